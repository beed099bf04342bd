// Package storagetest checks the behavior shared by all storage backends.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-nfe/internal/storage"
)

// Run exercises store. Scopes and keys are random, so a shared database
// can be used.
func Run(t *testing.T, store storage.Store) {
	t.Helper()
	t.Run("Watermarks", func(t *testing.T) { testWatermarks(t, store) })
	t.Run("Documents", func(t *testing.T) { testDocuments(t, store) })
	t.Run("Transmissions", func(t *testing.T) { testTransmissions(t, store) })
}

func testWatermarks(t *testing.T, store storage.Store) {
	ctx := context.Background()
	scope := "scope-" + uuid.NewString()
	other := "scope-" + uuid.NewString()

	got, err := store.GetLastSequence(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, storage.ZeroWatermark, got)

	require.NoError(t, store.SetLastSequence(ctx, scope, "000000000000005"))
	got, err = store.GetLastSequence(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, "000000000000005", got)

	require.NoError(t, store.SetLastSequence(ctx, scope, "000000000000005"))
	require.NoError(t, store.SetLastSequence(ctx, scope, "000000000000120"))

	err = store.SetLastSequence(ctx, scope, "000000000000099")
	assert.True(t, errors.Is(err, storage.ErrWatermarkRegression), "got %v", err)
	err = store.SetLastSequence(ctx, scope, "99")
	assert.True(t, errors.Is(err, storage.ErrInvalidWatermark), "got %v", err)

	got, err = store.GetLastSequence(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, "000000000000120", got)

	got, err = store.GetLastSequence(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, storage.ZeroWatermark, got)
}

func sampleDocument(key, nsu, status string, received time.Time) *storage.Document {
	return &storage.Document{
		AccessKey:     key,
		NSU:           nsu,
		Schema:        "resNFe_v1.01.xsd",
		SupplierTaxID: "99888777000166",
		SupplierName:  "FORNECEDOR LTDA",
		IssuedAt:      time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		Series:        2,
		Number:        17,
		Total:         150.25,
		Status:        status,
		Protocol:      "135240000000001",
		XML:           []byte(`<resNFe><chNFe>` + key + `</chNFe></resNFe>`),
		ReceivedAt:    received,
	}
}

func testDocuments(t *testing.T, store storage.Store) {
	ctx := context.Background()
	scope := "scope-" + uuid.NewString()
	base := time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)
	k1, k2, k3 := uuid.NewString(), uuid.NewString(), uuid.NewString()

	added, err := store.SaveDocuments(ctx, scope, []*storage.Document{
		sampleDocument(k1, "000000000000001", "authorized", base),
		sampleDocument(k2, "000000000000002", "cancelled", base.Add(time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	changed := sampleDocument(k1, "000000000000009", "denied", base)
	added, err = store.SaveDocuments(ctx, scope, []*storage.Document{
		changed,
		sampleDocument(k3, "000000000000003", "authorized", base.Add(2*time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	got, err := store.GetDocument(ctx, scope, k1)
	require.NoError(t, err)
	assert.Equal(t, "000000000000001", got.NSU)
	assert.Equal(t, "authorized", got.Status)
	assert.Equal(t, "FORNECEDOR LTDA", got.SupplierName)
	assert.Equal(t, 150.25, got.Total)
	assert.True(t, got.IssuedAt.Equal(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, `<resNFe><chNFe>`+k1+`</chNFe></resNFe>`, string(got.XML))

	_, err = store.GetDocument(ctx, scope, uuid.NewString())
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	_, err = store.GetDocument(ctx, "scope-"+uuid.NewString(), k1)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

	all, err := store.ListDocuments(ctx, scope, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{k3, k2, k1}, []string{all[0].AccessKey, all[1].AccessKey, all[2].AccessKey})

	authorized, err := store.ListDocuments(ctx, scope, &storage.DocumentFilter{Status: "authorized"})
	require.NoError(t, err)
	assert.Len(t, authorized, 2)

	since := base.Add(30 * time.Second)
	recent, err := store.ListDocuments(ctx, scope, &storage.DocumentFilter{Since: &since, Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, k3, recent[0].AccessKey)
}

func testTransmissions(t *testing.T, store storage.Store) {
	ctx := context.Background()
	key := uuid.NewString()

	first := &storage.Transmission{
		AccessKey:   key,
		Environment: 2,
		LotID:       "1710500000000",
		Status:      "100",
		Reason:      "Autorizado o uso da NF-e",
		Protocol:    "135240000012345",
		DigestValue: "kXq5bGr7Yb0=",
		ProcessedAt: time.Date(2024, 3, 15, 13, 0, 6, 0, time.UTC),
		XML:         []byte("<nfeProc/>"),
	}
	require.NoError(t, store.SaveTransmission(ctx, first))

	got, err := store.GetTransmission(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "135240000012345", got.Protocol)
	assert.Equal(t, 2, got.Environment)
	assert.Equal(t, "<nfeProc/>", string(got.XML))
	assert.True(t, got.ProcessedAt.Equal(first.ProcessedAt))
	assert.False(t, got.CreatedAt.IsZero())

	second := *first
	second.Status = "150"
	require.NoError(t, store.SaveTransmission(ctx, &second))
	got, err = store.GetTransmission(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "150", got.Status)

	_, err = store.GetTransmission(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}

// Package storage provides the persistence interfaces used around the
// fiscal engine and their implementations.
//
// # Interface Design
//
// The storage layer is organized into focused interfaces:
//
//   - [WatermarkStore]: last consumed distribution NSU per scope
//   - [DocumentStore]: documents received through distribution
//   - [TransmissionStore]: authorization results of sent documents
//
// The [Store] interface combines all sub-stores for convenience.
//
// # Implementations
//
// The memory, mongodb, postgres and redis sub-packages implement [Store].
// The storagetest package holds the behavior every backend must show.
//
// # Concurrency
//
// All store implementations must be safe for concurrent use from multiple
// goroutines. Watermarks are compared and set atomically by every backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirosfoundation/go-nfe/pkg/authority"
	"github.com/sirosfoundation/go-nfe/pkg/distribution"
	"github.com/sirosfoundation/go-nfe/pkg/document"
)

// Store is the main storage interface combining all sub-stores
type Store interface {
	WatermarkStore
	DocumentStore
	TransmissionStore

	// Close releases storage resources
	Close(ctx context.Context) error

	// Ping checks database connectivity
	Ping(ctx context.Context) error
}

// WatermarkStore keeps one NSU per scope. Values are 15-digit strings and
// never decrease.
type WatermarkStore interface {
	// GetLastSequence returns the stored value, or ZeroWatermark for a new
	// scope.
	GetLastSequence(ctx context.Context, scope string) (string, error)

	// SetLastSequence stores value. Setting the current value again is a
	// no-op; a lower value fails with ErrWatermarkRegression.
	SetLastSequence(ctx context.Context, scope, value string) error
}

// DocumentStore keeps distributed documents, one per scope and access key.
type DocumentStore interface {
	// SaveDocuments stores docs and returns how many were new. Documents
	// already stored for the scope are left untouched, so redelivery is
	// harmless.
	SaveDocuments(ctx context.Context, scope string, docs []*Document) (int, error)

	// GetDocument returns ErrNotFound when the key is unknown.
	GetDocument(ctx context.Context, scope, accessKey string) (*Document, error)

	// ListDocuments returns the newest documents first.
	ListDocuments(ctx context.Context, scope string, filter *DocumentFilter) ([]*Document, error)
}

// TransmissionStore keeps authorization results.
type TransmissionStore interface {
	// SaveTransmission stores t, replacing an earlier record for the
	// same access key.
	SaveTransmission(ctx context.Context, t *Transmission) error

	// GetTransmission returns ErrNotFound when the key is unknown.
	GetTransmission(ctx context.Context, accessKey string) (*Transmission, error)
}

var (
	// ErrNotFound is returned for unknown records.
	ErrNotFound = errors.New("not found")

	// ErrWatermarkRegression is returned when a watermark would move back.
	ErrWatermarkRegression = errors.New("watermark cannot decrease")

	// ErrInvalidWatermark is returned for values that are not 15 digits.
	ErrInvalidWatermark = errors.New("watermark must have 15 digits")
)

// ZeroWatermark is the value of a scope that was never polled.
const ZeroWatermark = distribution.ZeroWatermark

// ValidateWatermark checks that value is a 15-digit NSU.
func ValidateWatermark(value string) error {
	if len(value) != distribution.WatermarkLength {
		return fmt.Errorf("%w: %q", ErrInvalidWatermark, value)
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: %q", ErrInvalidWatermark, value)
		}
	}
	return nil
}

// Domain models

// Document is a distributed document as stored.
type Document struct {
	Scope         string    `bson:"scope" json:"scope"`
	AccessKey     string    `bson:"access_key" json:"accessKey"`
	NSU           string    `bson:"nsu" json:"nsu"`
	Schema        string    `bson:"schema" json:"schema"`
	SupplierTaxID string    `bson:"supplier_tax_id" json:"supplierTaxId"`
	SupplierName  string    `bson:"supplier_name" json:"supplierName"`
	IssuedAt      time.Time `bson:"issued_at" json:"issuedAt"`
	Series        int       `bson:"series" json:"series"`
	Number        int       `bson:"number" json:"number"`
	Total         float64   `bson:"total" json:"total"`
	Status        string    `bson:"status" json:"status"`
	Protocol      string    `bson:"protocol,omitempty" json:"protocol,omitempty"`
	XML           []byte    `bson:"-" json:"xml"`
	XMLRef        string    `bson:"xml_ref,omitempty" json:"-"` // GridFS id in the mongodb backend
	ReceivedAt    time.Time `bson:"received_at" json:"receivedAt"`
}

// DocumentFilter narrows ListDocuments.
type DocumentFilter struct {
	Status string
	Since  *time.Time // received at or after
	Limit  int
}

// Matches reports whether d passes the filter. Backends that cannot
// express the filter in their query language use it.
func (f *DocumentFilter) Matches(d *Document) bool {
	if f == nil {
		return true
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Since != nil && d.ReceivedAt.Before(*f.Since) {
		return false
	}
	return true
}

// Transmission is the stored outcome of an authorized transmission.
type Transmission struct {
	AccessKey   string    `bson:"_id" json:"accessKey"`
	Environment int       `bson:"environment" json:"environment"`
	LotID       string    `bson:"lot_id" json:"lotId"`
	Status      string    `bson:"status" json:"status"`
	Reason      string    `bson:"reason" json:"reason"`
	Protocol    string    `bson:"protocol" json:"protocol"`
	Receipt     string    `bson:"receipt,omitempty" json:"receipt,omitempty"`
	DigestValue string    `bson:"digest_value" json:"digestValue"`
	ProcessedAt time.Time `bson:"processed_at" json:"processedAt"`
	// XML is the nfeProc document.
	XML       []byte    `bson:"xml" json:"xml"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

// NewDocument converts a distribution summary for storage.
func NewDocument(scope string, s *distribution.Summary) *Document {
	return &Document{
		Scope:         scope,
		AccessKey:     s.AccessKey,
		NSU:           s.NSU,
		Schema:        s.Schema,
		SupplierTaxID: s.SupplierTaxID,
		SupplierName:  s.SupplierName,
		IssuedAt:      s.IssuedAt,
		Series:        s.Series,
		Number:        s.Number,
		Total:         s.Total,
		Status:        string(s.Status),
		Protocol:      s.Protocol,
		XML:           s.XML,
	}
}

// NewTransmission converts an authorization result for storage. procXML
// is the nfeProc built with authority.AttachProtocol.
func NewTransmission(env document.Environment, r *authority.TransmissionResult, procXML []byte) *Transmission {
	return &Transmission{
		AccessKey:   r.AccessKey,
		Environment: int(env),
		LotID:       r.LotID,
		Status:      r.Status,
		Reason:      r.Reason,
		Protocol:    r.Protocol,
		Receipt:     r.Receipt,
		DigestValue: r.DigestValue,
		ProcessedAt: r.ProcessedAt,
		XML:         procXML,
	}
}

// Scope builds the conventional watermark scope of a company and
// environment.
func Scope(companyTaxID string, env document.Environment) string {
	return strings.TrimSpace(companyTaxID) + ":" + env.String()
}

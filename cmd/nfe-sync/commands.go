package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sirosfoundation/go-nfe/internal/config"
	"github.com/sirosfoundation/go-nfe/internal/storage"
	"github.com/sirosfoundation/go-nfe/pkg/authority"
	"github.com/sirosfoundation/go-nfe/pkg/distribution"
	"github.com/sirosfoundation/go-nfe/pkg/document"
	"github.com/sirosfoundation/go-nfe/pkg/keystore"
	"github.com/sirosfoundation/go-nfe/pkg/security"
	"github.com/sirosfoundation/go-nfe/pkg/transport"
)

type app struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer

	newProvider func(keystore.ProviderConfig) (keystore.IdentityProvider, error)
	openStore   func(context.Context, config.StorageConfig) (storage.Store, error)
	// transport replaces the mutual TLS client when set.
	transport authority.TransportFactory
}

func newApp(cfg *config.Config, logger *slog.Logger, out io.Writer) *app {
	return &app{
		cfg:         cfg,
		logger:      logger,
		out:         out,
		newProvider: keystore.NewProvider,
		openStore:   openStore,
	}
}

func runExtract(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	archivePath := fs.String("archive", "", "PKCS#12 archive (.pfx/.p12)")
	password := fs.String("password", os.Getenv("NFE_CERT_PASSWORD"), "Archive password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *archivePath == "" {
		return errors.New("-archive is required")
	}

	data, err := os.ReadFile(*archivePath)
	if err != nil {
		return err
	}
	id, err := keystore.Extract(data, *password)
	if err != nil {
		return err
	}

	info := id.Describe()
	fmt.Fprintf(out, "Subject:    %s\n", info.CertificateSubject)
	fmt.Fprintf(out, "Algorithm:  %s %d\n", info.Algorithm, info.KeySize)
	fmt.Fprintf(out, "Valid:      %s to %s\n", info.NotBefore.Format(time.RFC3339), info.NotAfter.Format(time.RFC3339))
	fmt.Fprintf(out, "Chain:      %d certificate(s)\n", len(id.Chain))
	if id.PairingFallback {
		fmt.Fprintln(out, "Warning:    key paired with the first certificate; no fingerprint matched")
	}
	return nil
}

func runVerify(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	inPath := fs.String("in", "", "Signed document")
	anchorsPath := fs.String("anchors", "", "PEM trust anchors; when set the signer chain is validated too")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" {
		return errors.New("-in is required")
	}

	signed, err := os.ReadFile(*inPath)
	if err != nil {
		return err
	}
	cert, err := security.EmbeddedCertificate(signed)
	if err != nil {
		return err
	}
	if err := security.Verify(signed, cert); err != nil {
		return err
	}

	if *anchorsPath != "" {
		anchors, err := os.ReadFile(*anchorsPath)
		if err != nil {
			return err
		}
		roots, err := transport.TrustPool(nil, anchors, true)
		if err != nil {
			return err
		}
		if err := security.NewDefaultCertificateValidator(roots).ValidateCertificate(cert, nil, security.PurposeSigning); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "Signature valid: %s\n", cert.Subject)
	return nil
}

// identity loads the company's signing identity from the configured
// provider. Call release once the key is no longer used: a token key stops
// working when its session is closed.
func (a *app) identity(ctx context.Context) (id *keystore.SigningIdentity, release func(), err error) {
	provider, err := a.newProvider(a.cfg.ProviderConfig())
	if err != nil {
		return nil, nil, err
	}
	release = func() {
		if err := provider.Close(); err != nil {
			a.logger.Warn("closing identity provider", "error", err)
		}
	}

	id, err = provider.Identity(ctx, a.cfg.Company.TaxID)
	if err != nil {
		release()
		return nil, nil, err
	}
	if id.ExpiresWithin(time.Now(), 30*24*time.Hour) {
		a.logger.Warn("certificate expires soon", "not_after", id.Certificate.NotAfter)
	}
	return id, release, nil
}

// transportFactory returns the client used to reach the authority.
func (a *app) transportFactory() (authority.TransportFactory, error) {
	if a.transport != nil {
		return a.transport, nil
	}
	httpsCfg, err := a.cfg.HTTPSConfig()
	if err != nil {
		return nil, err
	}
	httpsCfg.Logger = a.logger
	return authority.HTTPSTransport(httpsCfg), nil
}

func (a *app) build(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	orderPath := fs.String("order", "", "Order file (JSON)")
	outPath := fs.String("out", "", "Signed document output (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *orderPath == "" {
		return errors.New("-order is required")
	}

	data, err := os.ReadFile(*orderPath)
	if err != nil {
		return err
	}
	var order document.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return fmt.Errorf("parsing order: %w", err)
	}

	env := a.cfg.Environment()
	built, err := document.NewBuilder(document.WithLogger(a.logger)).
		Build(&order, a.cfg.EmitterProfile(), a.cfg.Emitter.Series, env)
	if err != nil {
		return err
	}

	id, release, err := a.identity(ctx)
	if err != nil {
		return err
	}
	defer release()
	signed, err := security.NewSigner(security.WithSignerLogger(a.logger)).Sign(built.XML, id)
	if err != nil {
		return err
	}

	xml := signed.XML
	if built.AccessKey.Model() == document.ModelNFCe && a.cfg.Emitter.CSC != "" {
		payload := document.QRCodePayload(document.QRCodeParams{
			AccessKey:   built.AccessKey,
			Environment: env,
			IssuedAt:    built.IssuedAt,
			Net:         built.Totals.Net,
			ICMS:        built.Totals.ICMS,
			DigestValue: signed.DigestValue,
		}, a.cfg.Emitter.CSC, a.cfg.Emitter.CSCID)
		xml, err = document.AttachSupplement(xml, document.QRCodeURL(a.cfg.Emitter.QRCodeURL, payload), a.cfg.Emitter.ConsultURL)
		if err != nil {
			return err
		}
	}

	a.logger.Info("document built",
		"access_key", built.AccessKey,
		"total", built.Totals.Net,
		"change", built.Change)
	return a.write(*outPath, xml)
}

func (a *app) send(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	inPath := fs.String("in", "", "Signed document")
	outPath := fs.String("out", "", "Authorized document (nfeProc) output (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" {
		return errors.New("-in is required")
	}

	signed, err := os.ReadFile(*inPath)
	if err != nil {
		return err
	}
	endpoints, err := a.cfg.EndpointTable()
	if err != nil {
		return err
	}
	factory, err := a.transportFactory()
	if err != nil {
		return err
	}

	id, release, err := a.identity(ctx)
	if err != nil {
		return err
	}
	defer release()
	store, err := a.openStore(ctx, a.cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	client := authority.NewClient(
		authority.WithEndpoints(endpoints),
		authority.WithTransport(factory),
		authority.WithLogger(a.logger),
	)
	env := a.cfg.Environment()
	result, err := client.Send(ctx, signed, a.cfg.Region().Code, env, id)
	if err != nil {
		return err
	}

	proc, err := authority.AttachProtocol(signed, result)
	if err != nil {
		return err
	}
	if err := store.SaveTransmission(ctx, storage.NewTransmission(env, result, proc)); err != nil {
		// The document is authorized; losing the record must not lose the XML.
		a.logger.Error("failed to store transmission", "access_key", result.AccessKey, "error", err)
	}

	a.logger.Info("document authorized",
		"access_key", result.AccessKey,
		"protocol", result.Protocol,
		"status", result.Status)
	return a.write(*outPath, proc)
}

func (a *app) sync(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	follow := fs.Bool("follow", false, "Keep polling until interrupted")
	every := fs.Duration("every", time.Hour, "Pause between runs with -follow")
	if err := fs.Parse(args); err != nil {
		return err
	}

	endpoints, err := a.cfg.EndpointTable()
	if err != nil {
		return err
	}
	factory, err := a.transportFactory()
	if err != nil {
		return err
	}

	id, release, err := a.identity(ctx)
	if err != nil {
		return err
	}
	defer release()
	store, err := a.openStore(ctx, a.cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	syncer := distribution.NewSyncer(
		distribution.WithEndpoints(endpoints),
		distribution.WithTransport(factory),
		distribution.WithLogger(a.logger),
	)
	poller := distribution.NewPoller(syncer, store, distribution.PollerConfig{
		MaxIterations: a.cfg.Distribution.MaxIterations,
		MaxResults:    a.cfg.Distribution.MaxResults,
		Interval:      a.cfg.Distribution.Interval,
		DedupWindow:   a.cfg.Distribution.DedupWindow,
	}, a.logger)

	env := a.cfg.Environment()
	scope := distribution.Scope{
		Name:         storage.Scope(a.cfg.Company.TaxID, env),
		Identity:     id,
		CompanyTaxID: a.cfg.Company.TaxID,
		Region:       a.cfg.Region().Code,
		Environment:  env,
	}
	consume := func(ctx context.Context, docs []*distribution.Summary) error {
		stored := make([]*storage.Document, 0, len(docs))
		for _, d := range docs {
			stored = append(stored, storage.NewDocument(scope.Name, d))
		}
		n, err := store.SaveDocuments(ctx, scope.Name, stored)
		if err != nil {
			return err
		}
		a.logger.Debug("documents stored", "new", n, "received", len(docs))
		return nil
	}

	for {
		stats, err := poller.Run(ctx, scope, consume)
		if stats != nil {
			fmt.Fprintf(a.out, "%s: %d new, %d duplicate, %d skipped, watermark %s\n",
				scope.Name, stats.Delivered, stats.Duplicates, stats.Skipped, stats.Watermark)
		}
		if err != nil || !*follow {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(*every):
		}
	}
}

func (a *app) list(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	status := fs.String("status", "", "Only documents with this status")
	since := fs.Duration("since", 0, "Only documents received within this period")
	limit := fs.Int("limit", 50, "Maximum number of documents")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := a.openStore(ctx, a.cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	filter := &storage.DocumentFilter{Status: *status, Limit: *limit}
	if *since > 0 {
		from := time.Now().Add(-*since)
		filter.Since = &from
	}
	docs, err := store.ListDocuments(ctx, storage.Scope(a.cfg.Company.TaxID, a.cfg.Environment()), filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NSU\tACCESS KEY\tSUPPLIER\tISSUED\tTOTAL\tSTATUS")
	for _, d := range docs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\n",
			d.NSU, d.AccessKey, d.SupplierName, d.IssuedAt.Format("2006-01-02"), d.Total, d.Status)
	}
	return w.Flush()
}

func (a *app) write(path string, data []byte) error {
	if path == "" {
		_, err := a.out.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

package gcp

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/option"

	"github.com/eleven-am/bastion/internal/domain"
)

type FactoryConfig struct {
	// CredentialsFile is a service account or authorized user JSON file.
	// Application default credentials are used when empty.
	CredentialsFile string
	Endpoint        string
	UserAgent       string
	// WithoutAuthentication disables credentials, for emulators and tests.
	WithoutAuthentication bool
}

// Factory builds a fresh Client per project. The token source is shared so
// credentials are refreshed once for the whole fleet.
type Factory struct {
	tokens     oauth2.TokenSource
	options    []option.ClientOption
	clientOpts []ClientOption
}

func NewFactory(ctx context.Context, cfg FactoryConfig, clientOpts ...ClientOption) (*Factory, error) {
	f := &Factory{clientOpts: clientOpts}

	if cfg.Endpoint != "" {
		f.options = append(f.options, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.UserAgent != "" {
		f.options = append(f.options, option.WithUserAgent(cfg.UserAgent))
	}

	if cfg.WithoutAuthentication {
		f.options = append(f.options, option.WithoutAuthentication())
		return f, nil
	}

	var creds *google.Credentials
	var err error
	if cfg.CredentialsFile != "" {
		data, readErr := os.ReadFile(cfg.CredentialsFile)
		if readErr != nil {
			return nil, fmt.Errorf("read credentials %s: %w", cfg.CredentialsFile, readErr)
		}
		creds, err = google.CredentialsFromJSON(ctx, data, compute.ComputeScope)
	} else {
		creds, err = google.FindDefaultCredentials(ctx, compute.ComputeScope)
	}
	if err != nil {
		return nil, fmt.Errorf("load google credentials: %w", err)
	}

	f.tokens = oauth2.ReuseTokenSource(nil, creds.TokenSource)
	f.options = append(f.options, option.WithTokenSource(f.tokens))
	return f, nil
}

func (f *Factory) NewClient(ctx context.Context, project string) (domain.ComputeClient, error) {
	svc, err := compute.NewService(ctx, f.options...)
	if err != nil {
		return nil, fmt.Errorf("create compute service for %s: %w", project, err)
	}
	return NewClient(svc, f.clientOpts...), nil
}

// ClientFactory adapts the factory to the batch coordinator.
func (f *Factory) ClientFactory() domain.ClientFactory {
	return f.NewClient
}

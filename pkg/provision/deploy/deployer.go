// Package deploy pushes worker bundles to the artifact store and activates
// them on the edge control plane.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/openverge/openverge/pkg/engine"
)

// Config holds the deployer configuration.
type Config struct {
	// ControlURL is the base URL of the edge control plane API.
	ControlURL string

	// Token authenticates against the control plane.
	Token string

	// StoreEndpoint is the S3-compatible artifact store endpoint.
	StoreEndpoint string

	// StoreAccessKey and StoreSecretKey are the store credentials.
	StoreAccessKey string
	StoreSecretKey string

	// StoreBucket is the bucket worker bundles are uploaded to.
	StoreBucket string

	// StoreSecure enables TLS towards the store.
	StoreSecure bool

	// RequestTimeout bounds individual control plane calls.
	RequestTimeout time.Duration
}

// Deployer uploads bundles and drives the control plane. It implements
// engine.WorkerDeployer.
type Deployer struct {
	cfg    Config
	store  *minio.Client
	client *http.Client
	log    zerolog.Logger
}

// NewDeployer creates a deployer.
func NewDeployer(cfg Config, logger zerolog.Logger) (*Deployer, error) {
	if cfg.ControlURL == "" {
		return nil, fmt.Errorf("control URL is required")
	}
	if cfg.StoreEndpoint == "" || cfg.StoreBucket == "" {
		return nil, fmt.Errorf("artifact store endpoint and bucket are required")
	}

	store, err := minio.New(cfg.StoreEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.StoreAccessKey, cfg.StoreSecretKey, ""),
		Secure: cfg.StoreSecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact store client: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Deployer{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: timeout},
		log:    logger.With().Str("component", "worker-deployer").Logger(),
	}, nil
}

// workerRequest is the control plane activation payload.
type workerRequest struct {
	Name             string             `json:"name"`
	Domain           string             `json:"domain"`
	Routes           []string           `json:"routes,omitempty"`
	ArtifactBucket   string             `json:"artifact_bucket"`
	ArtifactKey      string             `json:"artifact_key"`
	ArtifactSHA256   string             `json:"artifact_sha256"`
	DatabaseEndpoint string             `json:"database_endpoint,omitempty"`
	SecretRefs       []engine.SecretRef `json:"secret_refs,omitempty"`
}

// workerResponse is the control plane activation result.
type workerResponse struct {
	DeploymentID string `json:"deployment_id"`
	WorkerURL    string `json:"worker_url"`
}

// Apply uploads the bundle and activates the worker. The object key is
// content-addressed, so re-uploading the same bundle is a no-op overwrite
// and re-activation returns the existing deployment.
func (d *Deployer) Apply(ctx context.Context, cfg engine.DomainConfig, spec engine.DeploySpec) (*engine.DeployResult, error) {
	key := objectKey(cfg, spec)

	contentType := "application/javascript"
	if spec.Artifact.WASM {
		contentType = "application/wasm"
	}

	_, err := d.store.FPutObject(ctx, d.cfg.StoreBucket, key, spec.Artifact.Path, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, engine.NewTransientError(fmt.Sprintf("failed to upload bundle %s", key), err)
	}
	d.log.Debug().Str("bucket", d.cfg.StoreBucket).Str("key", key).Msg("bundle uploaded")

	req := workerRequest{
		Name:             spec.WorkerName,
		Domain:           cfg.Domain,
		Routes:           spec.Routes,
		ArtifactBucket:   d.cfg.StoreBucket,
		ArtifactKey:      key,
		ArtifactSHA256:   spec.Artifact.SHA256,
		DatabaseEndpoint: spec.DatabaseEndpoint,
		SecretRefs:       spec.SecretRefs,
	}

	var resp workerResponse
	if err := d.call(ctx, http.MethodPost, "/v1/workers", req, &resp); err != nil {
		return nil, err
	}
	if resp.DeploymentID == "" {
		return nil, engine.NewConfigurationError("control plane returned no deployment ID", nil)
	}

	d.log.Info().Str("deployment_id", resp.DeploymentID).Str("worker", spec.WorkerName).Msg("worker activated")
	return &engine.DeployResult{
		DeploymentID: resp.DeploymentID,
		WorkerURL:    resp.WorkerURL,
	}, nil
}

// Compensate deactivates the worker. A 404 means it is already gone.
func (d *Deployer) Compensate(ctx context.Context, deploymentID string) error {
	err := d.call(ctx, http.MethodDelete, "/v1/workers/"+deploymentID, nil, nil)
	if err != nil {
		var oe *engine.OrchestrationError
		if errors.As(err, &oe) && oe.Code == statusCode(http.StatusNotFound) {
			d.log.Debug().Str("deployment_id", deploymentID).Msg("worker already removed")
			return nil
		}
		return err
	}
	d.log.Info().Str("deployment_id", deploymentID).Msg("worker removed")
	return nil
}

// call performs one control plane request and decodes the response into out.
func (d *Deployer) call(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return engine.NewInternalError("failed to encode control plane request", err)
		}
		reader = bytes.NewReader(data)
	}

	url := strings.TrimSuffix(d.cfg.ControlURL, "/") + endpoint
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return engine.NewInternalError("failed to build control plane request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return engine.NewTransientError("control plane unreachable", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return engine.NewTransientError("failed to decode control plane response", err)
		}
	}
	return nil
}

// classifyStatus maps control plane HTTP statuses onto error classes.
// Rate limiting and server faults are retryable; client errors are not.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return engine.NewTransientError(
			fmt.Sprintf("control plane returned %d", resp.StatusCode),
			nil).WithCode(statusCode(resp.StatusCode))
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return engine.NewConfigurationError(
			fmt.Sprintf("control plane rejected request: %d %s", resp.StatusCode, strings.TrimSpace(string(detail))),
			nil).WithCode(statusCode(resp.StatusCode))
	}
}

func statusCode(status int) string {
	return fmt.Sprintf("HTTP_%d", status)
}

// objectKey builds the content-addressed bundle key.
func objectKey(cfg engine.DomainConfig, spec engine.DeploySpec) string {
	ext := path.Ext(spec.Artifact.Path)
	if ext == "" {
		ext = ".bin"
	}
	return path.Join(cfg.Customer, cfg.Environment, cfg.Domain, spec.WorkerName, spec.Artifact.SHA256+ext)
}

// Package osclient builds OpenSearch clients shared by the upstream source
// and the OpenSearch tier backend.
package osclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/telhawk-systems/telhawk-tiering/internal/config"
)

// New creates an OpenSearch client from connection settings. It does not
// contact the cluster; call Ping for that.
func New(cfg config.OpenSearchConfig) (*opensearch.Client, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure,
			},
		},
	}

	osCfg := opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	}

	client, err := opensearch.NewClient(osCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	return client, nil
}

// Ping verifies the cluster answers the info endpoint.
func Ping(ctx context.Context, client *opensearch.Client) error {
	res, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to connect to opensearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("opensearch returned error: %s", res.Status())
	}
	return nil
}

// ResponseError converts an error response into a Go error carrying the
// status and body.
func ResponseError(res *opensearchapi.Response) error {
	body, _ := io.ReadAll(res.Body)
	return fmt.Errorf("opensearch error: %s - %s", res.Status(), strings.TrimSpace(string(body)))
}

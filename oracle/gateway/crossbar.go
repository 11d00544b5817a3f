package gateway

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/GPTx-global/feedpushd/oracle/types"
	"github.com/tidwall/gjson"
)

// DefaultCrossbarURL is the public job-definition resolution service.
const DefaultCrossbarURL = "https://crossbar.switchboard.xyz"

// CrossbarClient resolves a feed hash to its job-definition documents.
type CrossbarClient struct {
	baseURL string
	http    *http.Client
}

func NewCrossbarClient(baseURL string) *CrossbarClient {
	if baseURL == "" {
		baseURL = DefaultCrossbarURL
	}

	return &CrossbarClient{baseURL: baseURL, http: sharedClient()}
}

// FetchJobs resolves the feed hash and returns its job definitions encoded
// for gateway dispatch (base64 of each job document). The surrounding
// document schema is not pinned; only the jobs array is read.
func (c *CrossbarClient) FetchJobs(ctx context.Context, feedHash [32]byte) ([]string, error) {
	url := c.baseURL + "/fetch/" + hex.EncodeToString(feedHash[:])

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.WrapError(types.KindRPC, err, "failed to create crossbar request")
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, types.WrapError(types.KindRPC, err, "crossbar request to %s failed", url)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, types.WrapError(types.KindRPC, err, "failed to read crossbar response")
	}

	if res.StatusCode != http.StatusOK {
		return nil, types.NewError(types.KindRPC, "crossbar returned %d: %s", res.StatusCode, truncate(raw, 256))
	}

	jobs := gjson.GetBytes(raw, "jobs")
	if !jobs.IsArray() {
		return nil, types.NewError(types.KindParse, "crossbar response has no jobs array")
	}

	encoded := make([]string, 0, len(jobs.Array()))
	for _, job := range jobs.Array() {
		encoded = append(encoded, base64.StdEncoding.EncodeToString([]byte(job.Raw)))
	}

	if len(encoded) == 0 {
		return nil, types.NewError(types.KindParse, "feed %x resolves to no jobs", feedHash)
	}

	return encoded, nil
}

package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/minervahq/triage/api/pipeline"
	"github.com/minervahq/triage/config"
)

const (
	safeBrowsingClientID      = "triage"
	safeBrowsingClientVersion = "1.0.0"
)

// threatTypes are the standard threat categories requested from the Safe
// Browsing API.
var threatTypes = []string{
	"MALWARE",
	"SOCIAL_ENGINEERING",
	"UNWANTED_SOFTWARE",
	"POTENTIALLY_HARMFUL_APPLICATION",
}

// SafeBrowsingChecker implements the link reputation capability against
// the Google Safe Browsing v4 threatMatches endpoint.
type SafeBrowsingChecker struct {
	config.Config
	addr       string
	key        string
	httpClient *http.Client
}

// NewSafeBrowsingChecker creates a checker from the environment
// configuration.
func NewSafeBrowsingChecker(cfg *config.Config) *SafeBrowsingChecker {
	return &SafeBrowsingChecker{
		Config: config.Config{
			Logger:      cfg.Logger,
			Environment: cfg.Environment,
		},
		addr: cfg.Environment.SafeBrowsingAddr,
		key:  cfg.Environment.SafeBrowsingAPIKey,
		httpClient: &http.Client{
			Timeout: time.Second * time.Duration(cfg.Environment.CapabilityTimeoutSec),
		},
	}
}

type threatEntry struct {
	URL string `json:"url"`
}

type threatMatchesRequest struct {
	Client struct {
		ClientID      string `json:"clientId"`
		ClientVersion string `json:"clientVersion"`
	} `json:"client"`
	ThreatInfo struct {
		ThreatTypes      []string      `json:"threatTypes"`
		PlatformTypes    []string      `json:"platformTypes"`
		ThreatEntryTypes []string      `json:"threatEntryTypes"`
		ThreatEntries    []threatEntry `json:"threatEntries"`
	} `json:"threatInfo"`
}

type threatMatchesResponse struct {
	Matches []struct {
		ThreatType string `json:"threatType"`
		Threat     struct {
			URL string `json:"url"`
		} `json:"threat"`
	} `json:"matches"`
}

// Check looks up the reputation of each URL.  Shortened URLs are expanded
// first so the lookup covers the real destination; every URL gets an entry
// in the returned map.
func (c *SafeBrowsingChecker) Check(ctx context.Context, urls []string) (map[string]LinkVerdict, error) {
	var request threatMatchesRequest
	request.Client.ClientID = safeBrowsingClientID
	request.Client.ClientVersion = safeBrowsingClientVersion
	request.ThreatInfo.ThreatTypes = threatTypes
	request.ThreatInfo.PlatformTypes = []string{"ANY_PLATFORM"}
	request.ThreatInfo.ThreatEntryTypes = []string{"URL"}

	// expanded destination -> submitted URL, so a match on either form
	// flags the original
	expandedOf := map[string]string{}
	for _, u := range urls {
		request.ThreatInfo.ThreatEntries = append(request.ThreatInfo.ThreatEntries, threatEntry{URL: u})
		if expanded := c.expand(ctx, u); expanded != u {
			request.ThreatInfo.ThreatEntries = append(request.ThreatInfo.ThreatEntries, threatEntry{URL: expanded})
			expandedOf[expanded] = u
		}
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, pipeline.NewStageError(pipeline.ErrMalformedResponse,
			errors.Wrap(err, "failed to marshal threat matches request"))
	}

	endpoint := c.addr + "/threatMatches:find?key=" + c.key
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, pipeline.NewStageError(pipeline.ErrLookupUnavailable,
			errors.Wrap(err, "failed to build threat matches request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pipeline.NewStageError(pipeline.ErrLookupUnavailable,
			errors.Wrap(err, "threat matches lookup failed"))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, pipeline.NewStageError(pipeline.ErrLookupUnavailable,
			errors.Errorf("threat matches lookup returned status %d", resp.StatusCode))
	}

	var matches threatMatchesResponse
	if err := json.NewDecoder(resp.Body).Decode(&matches); err != nil {
		return nil, pipeline.NewStageError(pipeline.ErrMalformedResponse,
			errors.Wrap(err, "failed to decode threat matches response"))
	}

	verdicts := make(map[string]LinkVerdict, len(urls))
	for _, u := range urls {
		verdicts[u] = LinkVerdict{}
	}
	for _, match := range matches.Matches {
		u := match.Threat.URL
		if original, ok := expandedOf[u]; ok {
			u = original
		}
		if _, ok := verdicts[u]; ok {
			verdicts[u] = LinkVerdict{Flagged: true, Category: match.ThreatType}
		}
	}
	return verdicts, nil
}

// expand follows redirects on a URL so shortened links resolve to their
// destination.  Expansion failure falls back to the original URL - the
// lookup still covers the submitted form.
func (c *SafeBrowsingChecker) expand(ctx context.Context, url string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return url
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return url
	}
	defer resp.Body.Close()
	return resp.Request.URL.String()
}

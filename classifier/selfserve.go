package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/relengtools/autoland/config"
	"github.com/relengtools/autoland/errs"
)

// SelfServe retriggers builds through the downstream rebuild endpoint.
type SelfServe struct {
	config config.SelfServeConfig
	client *http.Client
	logger *slog.Logger
}

// NewSelfServe creates a rebuild client.
func NewSelfServe(cfg config.SelfServeConfig, logger *slog.Logger) *SelfServe {
	if logger == nil {
		logger = slog.Default()
	}
	return &SelfServe{
		config: cfg,
		client: &http.Client{
			// The endpoint answers a successful trigger with a 302 to
			// the job status; following it would re-issue the request.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Rebuild POSTs a retrigger for one build on a branch.
func (s *SelfServe) Rebuild(ctx context.Context, branch string, buildID int64) error {
	form := url.Values{"build_id": []string{strconv.FormatInt(buildID, 10)}}
	endpoint := fmt.Sprintf("%s/%s/build", strings.TrimSuffix(s.config.URL, "/"), branch)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build rebuild request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accepts", "application/json")
	req.SetBasicAuth(s.config.Username, s.config.Password)

	resp, err := s.client.Do(req)
	if err != nil {
		return errs.Transient(fmt.Errorf("rebuild %s build %d: %w", branch, buildID, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return fmt.Errorf("rebuild %s build %d: unexpected status %d", branch, buildID, resp.StatusCode)
	}

	s.logger.Debug("Triggered rebuild",
		slog.String("branch", branch),
		slog.Int64("build_id", buildID))
	return nil
}

package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vibetunnel/server/internal/logger"
)

const registerRetryInterval = 5 * time.Second

type registerBody struct {
	ID      string `json:"id"`
	BaseURL string `json:"baseUrl"`
	Token   string `json:"token"`
	Name    string `json:"name"`
}

// RegisterWithHQ registers this server as a remote peer of the HQ at
// hqURL ("a remote registers with HQ by POSTing {id, baseUrl, token,
// name}"). It keeps retrying on a timer until the first registration
// succeeds, then returns so the caller can move on to serving requests.
func RegisterWithHQ(ctx context.Context, hqURL, id, baseURL, token, name string) error {
	if err := registerOnce(ctx, hqURL, id, baseURL, token, name); err == nil {
		return nil
	}
	t := time.NewTicker(registerRetryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := registerOnce(ctx, hqURL, id, baseURL, token, name); err != nil {
				logger.Warn("federation: register with HQ failed, retrying", "hq", hqURL, "err", err)
				continue
			}
			return nil
		}
	}
}

func registerOnce(ctx context.Context, hqURL, id, baseURL, token, name string) error {
	body, err := json.Marshal(registerBody{ID: id, BaseURL: baseURL, Token: token, Name: name})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hqURL+"/remotes/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &httpStatusError{code: resp.StatusCode}
	}
	logger.Info("federation: registered with HQ", "hq", hqURL, "id", id)
	return nil
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string {
	return http.StatusText(e.code)
}

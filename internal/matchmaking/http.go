package matchmaking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

var _ Enqueuer = (*HTTPEnqueuer)(nil)

// HTTPEnqueuer calls the signaling server's enqueue endpoint.
type HTTPEnqueuer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEnqueuer targets a server such as "http://localhost:8080".
func NewHTTPEnqueuer(baseURL string, client *http.Client) *HTTPEnqueuer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPEnqueuer{baseURL: baseURL, client: client}
}

func (h *HTTPEnqueuer) Enqueue(ctx context.Context, scope, participantID string) (models.EnqueueResult, error) {
	body, err := json.Marshal(models.EnqueueRequest{ParticipantID: participantID})
	if err != nil {
		return models.EnqueueResult{}, errors.Wrap(err, "encoding enqueue request")
	}

	endpoint := fmt.Sprintf("%s/api/queue/%s", h.baseURL, url.PathEscape(scope))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return models.EnqueueResult{}, errors.Wrap(err, "building enqueue request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return models.EnqueueResult{}, errors.Wrap(err, "calling enqueue")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return models.EnqueueResult{}, errors.Errorf("enqueue returned %d: %s", resp.StatusCode, apiErr.Error)
	}

	var res models.EnqueueResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return models.EnqueueResult{}, errors.Wrap(err, "decoding enqueue response")
	}
	return res, nil
}

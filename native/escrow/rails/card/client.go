package card

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client defines the subset of the card processor API the rail requires.
type Client interface {
	CreateAuthorization(ctx context.Context, req *AuthorizationRequest) (*PaymentIntent, error)
	GetAuthorization(ctx context.Context, id string) (*PaymentIntent, error)
	Capture(ctx context.Context, id string, amount int64, idempotencyKey string) (*PaymentIntent, error)
	CreateTransfer(ctx context.Context, req *TransferRequest) (*Transfer, error)
	Cancel(ctx context.Context, id, idempotencyKey string) (*PaymentIntent, error)
}

// AuthorizationRequest creates a manual-capture payment intent.
type AuthorizationRequest struct {
	Amount        int64
	Currency      string
	PaymentMethod string
	Customer      string
	Metadata      map[string]string
	// IdempotencyKey makes a repeated request return the original intent.
	IdempotencyKey string
}

// TransferRequest moves captured funds to a connected payout account.
type TransferRequest struct {
	Amount            int64
	Currency          string
	Destination       string
	SourceTransaction string
	TransferGroup     string
	IdempotencyKey    string
}

// PaymentIntent captures the attributes of a processor payment intent used by
// the rail.
type PaymentIntent struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	AmountCapturable int64             `json:"amount_capturable"`
	AmountReceived   int64             `json:"amount_received"`
	Currency         string            `json:"currency"`
	LatestCharge     string            `json:"latest_charge"`
	Created          int64             `json:"created"`
	Metadata         map[string]string `json:"metadata"`
}

// AwaitingCapture reports whether funds are held and not yet captured.
func (p *PaymentIntent) AwaitingCapture() bool {
	return p != nil && strings.EqualFold(strings.TrimSpace(p.Status), "requires_capture")
}

// Transfer is a processor transfer to a connected account.
type Transfer struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
}

// APIError is the processor's structured error body.
type APIError struct {
	Status      int    `json:"-"`
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("card processor: status=%d type=%s code=%s: %s", e.Status, e.Type, e.Code, e.Message)
}

// Declined reports whether the failure came from the card network rather than
// the request itself.
func (e *APIError) Declined() bool {
	return e != nil && e.Type == "card_error"
}

// Transient reports whether retrying the same request may succeed.
func (e *APIError) Transient() bool {
	return e != nil && (e.Status == http.StatusTooManyRequests || e.Status >= 500 || e.Type == "api_error")
}

// HTTPClient implements Client against the processor's form-encoded REST API.
type HTTPClient struct {
	secretKey string
	baseURL   string
	http      *http.Client
}

// NewHTTPClient constructs an HTTP client with sane defaults.
func NewHTTPClient(baseURL, secretKey string) *HTTPClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.stripe.com"
	}
	return &HTTPClient{
		secretKey: secretKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPClient) CreateAuthorization(ctx context.Context, req *AuthorizationRequest) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("capture_method", "manual")
	form.Set("confirm", "true")
	form.Set("payment_method", req.PaymentMethod)
	if req.Customer != "" {
		form.Set("customer", req.Customer)
	}
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}
	var intent PaymentIntent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents", form, req.IdempotencyKey, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *HTTPClient) GetAuthorization(ctx context.Context, id string) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil, "", &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *HTTPClient) Capture(ctx context.Context, id string, amount int64, idempotencyKey string) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount_to_capture", strconv.FormatInt(amount, 10))
	var intent PaymentIntent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(id)+"/capture", form, idempotencyKey, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *HTTPClient) CreateTransfer(ctx context.Context, req *TransferRequest) (*Transfer, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("destination", req.Destination)
	if req.SourceTransaction != "" {
		form.Set("source_transaction", req.SourceTransaction)
	}
	if req.TransferGroup != "" {
		form.Set("transfer_group", req.TransferGroup)
	}
	var transfer Transfer
	if err := c.do(ctx, http.MethodPost, "/v1/transfers", form, req.IdempotencyKey, &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, id, idempotencyKey string) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(id)+"/cancel", url.Values{}, idempotencyKey, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// do sends one request. POSTs carry idempotencyKey, or a random key when the
// caller has no stable one.
func (c *HTTPClient) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out interface{}) error {
	if c == nil {
		return fmt.Errorf("card client not configured")
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if strings.TrimSpace(idempotencyKey) == "" {
			idempotencyKey = uuid.NewString()
		}
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope)
		apiErr := envelope.Error
		apiErr.Status = resp.StatusCode
		return &apiErr
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

package signal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HTTPProvider - клиент сервиса сигналов
//
//	GET {baseURL}/api/signal/{asset}
//
// Если сервис вернул только оценки (compound, scores), направление и
// уверенность считаются локально.
type HTTPProvider struct {
	client *resty.Client
}

// signalResponse - ответ сервиса
type signalResponse struct {
	Asset      string    `json:"asset"`
	Signal     string    `json:"signal"`
	Confidence *float64  `json:"confidence"`
	Compound   float64   `json:"compound"`
	Scores     []float64 `json:"scores"`
	Samples    int       `json:"samples"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewHTTPProvider создает клиент; timeout ограничивает один запрос
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(200*time.Millisecond).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)

	return &HTTPProvider{client: client}
}

// GetSignal запрашивает сигнал по активу
func (p *HTTPProvider) GetSignal(ctx context.Context, asset string) (Signal, error) {
	var out signalResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("asset", strings.ToUpper(asset)).
		SetResult(&out).
		Get("/api/signal/{asset}")
	if err != nil {
		return Signal{}, fmt.Errorf("signal request: %w", err)
	}
	if resp.IsError() {
		return Signal{}, fmt.Errorf("signal service returned %d", resp.StatusCode())
	}

	sig := Signal{
		Asset:    asset,
		Compound: out.Compound,
		Samples:  out.Samples,
		At:       out.Timestamp,
	}
	if out.Asset != "" {
		sig.Asset = out.Asset
	}
	if sig.Samples == 0 {
		sig.Samples = len(out.Scores)
	}
	if sig.At.IsZero() {
		sig.At = time.Now()
	}

	switch Direction(strings.ToUpper(out.Signal)) {
	case DirectionBuy, DirectionSell, DirectionNeutral:
		sig.Direction = Direction(strings.ToUpper(out.Signal))
	default:
		sig.Direction = Classify(out.Compound)
	}

	if out.Confidence != nil {
		sig.Confidence = *out.Confidence
	} else {
		sig.Confidence = Confidence(out.Scores)
	}
	return sig, nil
}

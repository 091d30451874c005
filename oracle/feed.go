// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"

	"github.com/luxfi/clearing/fixedpoint"
)

// Feed kinds.
const (
	FeedAggregator FeedKind = iota // round-based feed: answer at feed decimals
	FeedExpo                       // expo feed: mantissa with signed exponent
)

// FeedKind tags the wire format of a price feed.
type FeedKind uint8

// Sample is a normalized feed observation: a 1e8 price and its publish
// time in epoch seconds.
type Sample struct {
	Price     fixedpoint.Price
	Timestamp int64
}

// Feed fetches one symbol's price. Implementations must return an error
// instead of panicking; the oracle treats any failure as "no fresh price".
type Feed interface {
	Fetch() (Sample, error)
}

var (
	ErrFeedUnavailable = errors.New("oracle: feed unavailable")
	ErrFeedMalformed   = errors.New("oracle: malformed feed response")
)

// httpFeed is the shared HTTP transport for both feed kinds. Requests are
// retried with backoff by the client; a response that cannot be obtained or
// parsed is a transient unavailability, never a panic.
type httpFeed struct {
	url    string
	client *retryablehttp.Client
}

func newHTTPFeed(url string, timeout time.Duration) httpFeed {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = timeout
	client.Logger = nil
	return httpFeed{url: url, client: client}
}

func (f httpFeed) get() ([]byte, error) {
	resp, err := f.client.Get(f.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrFeedUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	return body, nil
}

// AggregatorFeed reads a round-based aggregator endpoint:
//
//	{"answer": "4200000000000", "decimals": 8, "updatedAt": 1700000000}
type AggregatorFeed struct {
	httpFeed
}

// NewAggregatorFeed builds an aggregator feed over url.
func NewAggregatorFeed(url string, timeout time.Duration) *AggregatorFeed {
	return &AggregatorFeed{httpFeed: newHTTPFeed(url, timeout)}
}

type aggregatorPayload struct {
	Answer    json.Number `json:"answer"`
	Decimals  uint8       `json:"decimals"`
	UpdatedAt int64       `json:"updatedAt"`
}

func (f *AggregatorFeed) Fetch() (Sample, error) {
	body, err := f.get()
	if err != nil {
		return Sample{}, err
	}
	var payload aggregatorPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrFeedMalformed, err)
	}
	answer, err := decimal.NewFromString(payload.Answer.String())
	if err != nil {
		return Sample{}, fmt.Errorf("%w: answer %q", ErrFeedMalformed, payload.Answer)
	}
	if !answer.IsInteger() {
		return Sample{}, fmt.Errorf("%w: fractional answer %s", ErrFeedMalformed, answer)
	}
	price, err := fixedpoint.NormalizeDecimals(answer.IntPart(), payload.Decimals)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Price: price, Timestamp: payload.UpdatedAt}, nil
}

// ExpoFeed reads an exponent-style endpoint:
//
//	{"price": {"price": "420005", "expo": -1, "publish_time": 1700000000}}
type ExpoFeed struct {
	httpFeed
}

// NewExpoFeed builds an expo feed over url.
func NewExpoFeed(url string, timeout time.Duration) *ExpoFeed {
	return &ExpoFeed{httpFeed: newHTTPFeed(url, timeout)}
}

type expoPayload struct {
	Price struct {
		Price       json.Number `json:"price"`
		Expo        int32       `json:"expo"`
		PublishTime int64       `json:"publish_time"`
	} `json:"price"`
}

func (f *ExpoFeed) Fetch() (Sample, error) {
	body, err := f.get()
	if err != nil {
		return Sample{}, err
	}
	var payload expoPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrFeedMalformed, err)
	}
	mantissa, err := decimal.NewFromString(payload.Price.Price.String())
	if err != nil || !mantissa.IsInteger() {
		return Sample{}, fmt.Errorf("%w: mantissa %q", ErrFeedMalformed, payload.Price.Price)
	}
	price, err := fixedpoint.NormalizeExpo(mantissa.IntPart(), payload.Price.Expo)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Price: price, Timestamp: payload.Price.PublishTime}, nil
}

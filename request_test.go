/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package upstreamguard

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestDescriptorKey(t *testing.T) {
	base := RequestDescriptor{
		Method:         "GET",
		Path:           "/v1/items",
		CallerIdentity: "token-abc",
		Body:           nil,
	}

	t.Run("stable", func(t *testing.T) {
		require.Equal(t, base.Key(), base.Key())
	})

	t.Run("method is case-insensitive", func(t *testing.T) {
		lower := base
		lower.Method = "get"
		require.Equal(t, base.Key(), lower.Key())
	})

	t.Run("leading slash is insignificant", func(t *testing.T) {
		noSlash := base
		noSlash.Path = "v1/items"
		require.Equal(t, base.Key(), noSlash.Key())
	})

	t.Run("every field participates", func(t *testing.T) {
		altMethod := base
		altMethod.Method = "POST"
		require.NotEqual(t, base.Key(), altMethod.Key())

		altPath := base
		altPath.Path = "/v1/items/42"
		require.NotEqual(t, base.Key(), altPath.Key())

		altCaller := base
		altCaller.CallerIdentity = "token-xyz"
		require.NotEqual(t, base.Key(), altCaller.Key())

		altBody := base
		altBody.Body = []byte(`{"q":1}`)
		require.NotEqual(t, base.Key(), altBody.Key())
	})

	t.Run("shared suffix across fields does not collide", func(t *testing.T) {
		// Without length prefixes "items" + "token" and "item" + "stoken"
		// would hash the same bytes.
		a := RequestDescriptor{Method: "GET", Path: "items", CallerIdentity: "token"}
		b := RequestDescriptor{Method: "GET", Path: "item", CallerIdentity: "stoken"}
		require.NotEqual(t, a.Key(), b.Key())
	})

	t.Run("absent body differs from empty-object body", func(t *testing.T) {
		withBody := base
		withBody.Body = []byte("{}")
		require.NotEqual(t, base.Key(), withBody.Key())
	})

	t.Run("nil and zero-length body key identically", func(t *testing.T) {
		emptyBody := base
		emptyBody.Body = []byte{}
		require.Equal(t, base.Key(), emptyBody.Key())
	})
}

func TestIsBreakerWorthy(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		worthy bool
	}{
		{"nil", nil, false},
		{"rate limited", &RateLimitedError{StatusCode: 429}, false},
		{"timeout", &UpstreamTimeoutError{}, true},
		{"fetch error", &UpstreamFetchError{}, true},
		{"status error", &UpstreamStatusError{StatusCode: 500}, true},
		{"status error 404", &UpstreamStatusError{StatusCode: 404}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.worthy, IsBreakerWorthy(tt.err))
		})
	}
}

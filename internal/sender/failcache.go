package sender

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/foxcpp/mailout/framework/exterrors"
	"github.com/foxcpp/mailout/internal/broker"
)

// Connect failures are remembered in the broker KV so every worker of
// every process skips a dead exchange instead of rediscovering it. The
// lifetimes follow the failure kind: timeouts burn minutes per attempt
// and are worth a longer pause.
const (
	failCacheTimeoutTTL = 15 * time.Minute
	failCacheTTL        = 2 * time.Minute
)

// failEntry is the cached description of a connect failure, close
// enough to rebuild the classifier input from.
type failEntry struct {
	Error     string `json:"error,omitempty"`
	Response  string `json:"response,omitempty"`
	Category  string `json:"category,omitempty"`
	Temporary bool   `json:"temporary,omitempty"`
	Code      int    `json:"code,omitempty"`
}

// failCacheKey identifies the (exchange, credentials, port) combination
// an attempt is about to connect to. Deliveries to the same dead server
// share the entry regardless of the recipient mailbox.
func failCacheKey(zone, domain, exchange, user string, port int) string {
	var b strings.Builder
	b.WriteString(zone)
	b.WriteString(":domain:")
	if exchange != "" {
		b.WriteString(exchange)
	} else {
		b.WriteString(domain)
	}
	if user != "" {
		b.WriteString(":")
		b.WriteString(user)
	}
	if port != 0 && port != 25 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(port))
	}
	return b.String()
}

// checkFailCache returns the cached failure for key, nil on a miss.
// Cache trouble never blocks an attempt.
func (z *Zone) checkFailCache(ctx context.Context, key string) *failEntry {
	var entry failEntry
	ok, err := z.deps.Broker.GetCache(ctx, key, &entry)
	if err != nil {
		z.log.Error("failure cache read failed", err, "key", key)
		return nil
	}
	if !ok {
		return nil
	}
	return &entry
}

func (z *Zone) storeFailCache(ctx context.Context, key string, cause error) {
	if cause == nil {
		return
	}
	ttl := failCacheTTL
	if isTimeout(cause) {
		ttl = failCacheTimeoutTTL
	}

	entry := failEntry{
		Error:     cause.Error(),
		Temporary: exterrors.IsTemporaryOrUnspec(cause),
	}
	fields := exterrors.Fields(cause)
	if cat, ok := fields["category"].(string); ok {
		entry.Category = cat
	}
	var smtpErr *exterrors.SMTPError
	if errors.As(cause, &smtpErr) {
		entry.Code = smtpErr.Code
		entry.Response = smtpErr.Message
	}
	var de *deliveryErr
	if errors.As(cause, &de) {
		entry.Category = de.category
		entry.Response = de.response
		entry.Code = de.code
		entry.Temporary = de.temporary
	}

	if err := z.deps.Broker.SetCache(ctx, key, entry, ttl); err != nil {
		z.log.Error("failure cache write failed", err, "key", key)
	}
}

func (z *Zone) clearFailCache(ctx context.Context, key string) {
	if err := z.deps.Broker.ClearCache(ctx, key); err != nil {
		z.log.Error("failure cache clear failed", err, "key", key)
	}
}

// asError turns a cached failure back into a classifiable attempt
// error. Cached failures are always deferrable: the entry expires long
// before the defer schedule does, so the next attempt re-probes.
func (e *failEntry) asError() error {
	category := e.Category
	if category == "" {
		category = "network"
	}
	response := e.Response
	if response == "" {
		response = e.Error
	}
	return &deliveryErr{
		category:  category,
		response:  response,
		code:      e.Code,
		temporary: true,
		cached:    true,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

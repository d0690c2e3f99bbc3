// Package fetch downloads document source files from untrusted origins.
// Every request resolves the host first and checks the addresses against
// the deny list (and the private-range block unless configured away), caps
// the body size on both Content-Length and the stream, and retries a bounded
// number of times. Timeout and size-limit failures abort the retry loop
// early: a second attempt cannot do better.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"time"

	"papermill/internal/config"
	"papermill/internal/logging"
	"papermill/internal/services"
	"papermill/internal/taskerr"
)

// ErrSizeLimit marks a download larger than the configured cap.
var ErrSizeLimit = errors.New("download exceeds size limit")

// ErrDeniedAddress marks a URL resolving to a blocked address.
var ErrDeniedAddress = errors.New("download address denied")

const retryDelay = time.Second

// Fetcher performs guarded downloads.
type Fetcher struct {
	client    *http.Client
	logger    *slog.Logger
	userAgent string

	maxBytes int64
	attempts int
	timeout  time.Duration

	allowPrivate bool
	denied       []netip.Prefix
}

// New builds a fetcher from configuration. The deny list was validated at
// config load, so a parse failure here is a programming error.
func New(cfg *config.Config, logger *slog.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	denied := make([]netip.Prefix, 0, len(cfg.Fetch.DenyList))
	for _, cidr := range cfg.Fetch.DenyList {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "fetch", "new",
				fmt.Sprintf("bad deny list entry %q", cidr), err)
		}
		denied = append(denied, prefix)
	}

	f := &Fetcher{
		logger:       logging.NewComponentLogger(logger, "fetch"),
		userAgent:    cfg.Fetch.UserAgent,
		maxBytes:     cfg.Converter.MaxDownloadBytes,
		attempts:     cfg.Converter.DownloadAttempts,
		timeout:      time.Duration(cfg.Converter.DownloadTimeout) * time.Second,
		allowPrivate: cfg.Fetch.AllowPrivateIP,
		denied:       denied,
	}
	if f.attempts <= 0 {
		f.attempts = 1
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ip, err := f.resolveAllowed(ctx, host)
		if err != nil {
			return nil, err
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
	}
	f.client = &http.Client{Transport: transport}
	return f, nil
}

// resolveAllowed resolves host and returns the first address that passes the
// filter. Resolving here, and dialing the literal address, keeps a DNS
// rebind between check and connect from slipping through.
func (f *Fetcher) resolveAllowed(ctx context.Context, host string) (netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, addr := range addrs {
		if f.addressAllowed(addr.Unmap()) {
			return addr.Unmap(), nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: %s", ErrDeniedAddress, host)
}

func (f *Fetcher) addressAllowed(addr netip.Addr) bool {
	for _, prefix := range f.denied {
		if prefix.Contains(addr) {
			return false
		}
	}
	if f.allowPrivate {
		return true
	}
	return !(addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified())
}

// Download writes the body of url to destPath, retrying transient failures.
func (f *Fetcher) Download(ctx context.Context, url, destPath string) error {
	var lastErr error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		lastErr = f.downloadOnce(ctx, url, destPath)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == f.attempts {
			break
		}
		f.logger.Debug("download attempt failed, retrying",
			logging.String("url", url),
			logging.Int("attempt", attempt),
			logging.Error(lastErr))
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// retryable reports whether another attempt may succeed. A timeout or a
// size-limit hit will fail the same way again.
func retryable(err error) bool {
	if errors.Is(err, ErrSizeLimit) || errors.Is(err, ErrDeniedAddress) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	return true
}

func (f *Fetcher) downloadOnce(ctx context.Context, url, destPath string) error {
	attemptCtx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return fmt.Errorf("%w: content length %d", ErrSizeLimit, resp.ContentLength)
	}

	dest, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	defer dest.Close()

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	written, err := io.Copy(dest, body)
	if err != nil {
		return fmt.Errorf("stream body: %w", err)
	}
	if f.maxBytes > 0 && written > f.maxBytes {
		_ = os.Remove(destPath)
		return fmt.Errorf("%w: body exceeds %d bytes", ErrSizeLimit, f.maxBytes)
	}
	return nil
}

// Classify maps a download failure onto the stable error taxonomy.
func Classify(err error) taskerr.Code {
	switch {
	case err == nil:
		return taskerr.NoError
	case errors.Is(err, ErrSizeLimit):
		return taskerr.ConvertLimits
	case errors.Is(err, context.DeadlineExceeded):
		return taskerr.ConvertTimeout
	default:
		return taskerr.ConvertDownload
	}
}

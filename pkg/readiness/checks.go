package readiness

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/go-go-golems/svcctl/pkg/service"
	"github.com/pkg/errors"
)

type check interface {
	check(ctx context.Context) (Outcome, error)
	close()
}

func newCheck(s service.Strategy, target Target, opts Options) (check, error) {
	switch s.Kind {
	case "", service.KindNone:
		return noneCheck{}, nil
	case service.KindPortOpen:
		host := s.Host
		if host == "" {
			host = "127.0.0.1"
		}
		return &portCheck{address: net.JoinHostPort(host, strconv.Itoa(s.Port)), timeout: opts.DialTimeout}, nil
	case service.KindHTTPCheck:
		expected := s.ExpectedStatus
		if expected == 0 {
			expected = http.StatusOK
		}
		return &httpCheck{url: s.URL, expected: expected, client: opts.HTTPClient}, nil
	case service.KindLogPattern:
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, errors.Wrap(err, "compile log pattern")
		}
		if target.StdoutPath() == "" {
			return nil, errors.New("log readiness requires a stdout log file")
		}
		return &logCheck{path: target.StdoutPath(), re: re}, nil
	case service.KindFixedDelay:
		return &delayCheck{until: time.Now().Add(s.Delay)}, nil
	default:
		return nil, errors.Errorf("unsupported readiness kind %q", s.Kind)
	}
}

type noneCheck struct{}

func (noneCheck) check(context.Context) (Outcome, error) { return Ready, nil }
func (noneCheck) close()                                 {}

type portCheck struct {
	address string
	timeout time.Duration
}

func (c *portCheck) check(ctx context.Context) (Outcome, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.address)
	if err == nil {
		_ = conn.Close()
		return Ready, nil
	}
	if stderrors.Is(err, syscall.ECONNREFUSED) {
		return NotReady, nil
	}
	return Indeterminate, errors.Wrapf(err, "dial %s", c.address)
}

func (c *portCheck) close() {}

type httpCheck struct {
	url      string
	expected int
	client   *http.Client
}

func (c *httpCheck) check(ctx context.Context) (Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Indeterminate, errors.Wrap(err, "build request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Indeterminate, errors.Wrapf(err, "GET %s", c.url)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	if resp.StatusCode == c.expected {
		return Ready, nil
	}
	return NotReady, nil
}

func (c *httpCheck) close() {}

// logCheck incrementally reads the stdout log and matches each line.
type logCheck struct {
	path    string
	re      *regexp.Regexp
	offset  int64
	partial []byte
	f       *os.File
}

func (c *logCheck) check(context.Context) (Outcome, error) {
	if c.f == nil {
		f, err := os.Open(c.path)
		if err != nil {
			if os.IsNotExist(err) {
				return NotReady, nil
			}
			return Indeterminate, errors.Wrap(err, "open stdout log")
		}
		c.f = f
	}

	info, err := c.f.Stat()
	if err != nil {
		return Indeterminate, errors.Wrap(err, "stat stdout log")
	}
	if info.Size() < c.offset {
		c.offset = 0
		c.partial = nil
	}
	if _, err := c.f.Seek(c.offset, io.SeekStart); err != nil {
		return Indeterminate, errors.Wrap(err, "seek stdout log")
	}
	b, err := io.ReadAll(c.f)
	if err != nil {
		return Indeterminate, errors.Wrap(err, "read stdout log")
	}
	c.offset += int64(len(b))

	buf := append(c.partial, b...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		if c.re.Match(buf[:i]) {
			return Ready, nil
		}
		buf = buf[i+1:]
	}
	c.partial = append([]byte(nil), buf...)
	if len(c.partial) > 0 && c.re.Match(c.partial) {
		return Ready, nil
	}
	return NotReady, nil
}

func (c *logCheck) close() {
	if c.f != nil {
		_ = c.f.Close()
	}
}

type delayCheck struct {
	until time.Time
}

func (c *delayCheck) check(context.Context) (Outcome, error) {
	if time.Now().Before(c.until) {
		return NotReady, nil
	}
	return Ready, nil
}

func (c *delayCheck) close() {}

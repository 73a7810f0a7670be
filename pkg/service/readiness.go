package service

import (
	"fmt"
	"regexp"
	"time"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindNone       Kind = "none"
	KindPortOpen   Kind = "port"
	KindHTTPCheck  Kind = "http"
	KindLogPattern Kind = "log"
	KindFixedDelay Kind = "delay"
)

// Strategy is a tagged variant: Kind selects which of the payload fields is
// meaningful. Build values with the constructors below.
type Strategy struct {
	Kind Kind `json:"kind"`

	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	URL            string `json:"url,omitempty"`
	ExpectedStatus int    `json:"expected_status,omitempty"`

	Pattern string `json:"pattern,omitempty"`

	Delay time.Duration `json:"delay,omitempty"`
}

func None() Strategy { return Strategy{Kind: KindNone} }

func PortOpen(host string, port int) Strategy {
	if host == "" {
		host = "127.0.0.1"
	}
	return Strategy{Kind: KindPortOpen, Host: host, Port: port}
}

func HTTPCheck(url string, expectedStatus int) Strategy {
	if expectedStatus == 0 {
		expectedStatus = 200
	}
	return Strategy{Kind: KindHTTPCheck, URL: url, ExpectedStatus: expectedStatus}
}

func LogPattern(pattern string) Strategy {
	return Strategy{Kind: KindLogPattern, Pattern: pattern}
}

func FixedDelay(d time.Duration) Strategy {
	return Strategy{Kind: KindFixedDelay, Delay: d}
}

func (s Strategy) Validate() error {
	switch s.Kind {
	case "", KindNone:
		return nil
	case KindPortOpen:
		if s.Port <= 0 || s.Port > 65535 {
			return errors.Errorf("invalid port %d", s.Port)
		}
	case KindHTTPCheck:
		if s.URL == "" {
			return errors.New("http readiness missing url")
		}
	case KindLogPattern:
		if s.Pattern == "" {
			return errors.New("log readiness missing pattern")
		}
		if _, err := regexp.Compile(s.Pattern); err != nil {
			return errors.Wrap(err, "compile log pattern")
		}
	case KindFixedDelay:
		if s.Delay < 0 {
			return errors.New("negative readiness delay")
		}
	default:
		return errors.Errorf("unsupported readiness kind %q", s.Kind)
	}
	return nil
}

func (s Strategy) String() string {
	switch s.Kind {
	case KindPortOpen:
		return fmt.Sprintf("port %s:%d", s.Host, s.Port)
	case KindHTTPCheck:
		return fmt.Sprintf("http %s (%d)", s.URL, s.ExpectedStatus)
	case KindLogPattern:
		return fmt.Sprintf("log /%s/", s.Pattern)
	case KindFixedDelay:
		return fmt.Sprintf("delay %s", s.Delay)
	default:
		return string(KindNone)
	}
}

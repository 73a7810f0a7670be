// svc-fixture is a configurable fake service used to exercise svcctl by hand:
// it can delay its listener, print a readiness line, crash, or ignore SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	var (
		port       int
		listenWait time.Duration
		readyLine  string
		crashAfter time.Duration
		exitCode   int
		ignoreTerm bool
	)
	flag.IntVar(&port, "port", 0, "HTTP port serving /health (0 disables the listener)")
	flag.DurationVar(&listenWait, "listen-after", 0, "Delay before the listener opens")
	flag.StringVar(&readyLine, "ready-line", "", "Line printed to stdout once the listener is up")
	flag.DurationVar(&crashAfter, "crash-after", 0, "Exit with -code after this long (0 runs forever)")
	flag.IntVar(&exitCode, "code", 2, "Exit code used by -crash-after")
	flag.BoolVar(&ignoreTerm, "ignore-term", false, "Ignore SIGTERM so only SIGKILL stops the process")
	flag.Parse()

	if ignoreTerm {
		signal.Ignore(syscall.SIGTERM)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, _ = fmt.Fprintf(os.Stderr, "svc-fixture pid=%d port=%d\n", os.Getpid(), port)

	var srv *http.Server
	if port > 0 {
		time.Sleep(listenWait)
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "listen: %v\n", err)
			os.Exit(3)
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		})
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: 2 * time.Second}
		go func() { _ = srv.Serve(ln) }()
	}
	if readyLine != "" {
		_, _ = fmt.Fprintln(os.Stdout, readyLine)
	}

	var crash <-chan time.Time
	if crashAfter > 0 {
		crash = time.After(crashAfter)
	}
	select {
	case <-crash:
		_, _ = fmt.Fprintf(os.Stderr, "svc-fixture: crashing with code %d\n", exitCode)
		os.Exit(exitCode)
	case <-ctx.Done():
	}

	_, _ = fmt.Fprintln(os.Stderr, "svc-fixture: shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

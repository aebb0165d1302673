package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"e2ee-sessions/internal/authz"
	"e2ee-sessions/internal/domain"
)

var errUsage = errors.New("usage")

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	err := dispatch(os.Args[1], os.Args[2:], os.Stdout)
	if errors.Is(err, errUsage) {
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "resolve":
		return runResolve(args, out)
	case "reverse":
		return runReverse(args, out)
	case "store":
		return runStore(args, out)
	case "migrate":
		return runMigrate(args, out)
	case "cleanup":
		return runCleanup(args, out)
	case "stats":
		return runStats(args, out)
	default:
		return errUsage
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  resolve    Look up the long-lived id for a phone number")
	fmt.Fprintln(os.Stderr, "  reverse    Look up the phone number for a long-lived id")
	fmt.Fprintln(os.Stderr, "  store      Store one phone-number / long-lived-id mapping")
	fmt.Fprintln(os.Stderr, "  migrate    Move a user's sessions to the long-lived-id keyspace")
	fmt.Fprintln(os.Stderr, "  cleanup    Run a session cleanup pass now")
	fmt.Fprintln(os.Stderr, "  stats      Show mapping, cleanup and activity counters")
	os.Exit(2)
}

// client talks to the sessiond operations API.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

type commonOpts struct {
	baseURL string
	token   string
	secret  string
	issuer  string
}

func newFlagSet(name string, o *commonOpts) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&o.baseURL, "base-url", getenv("SESSIONCTL_BASE_URL", "http://localhost:8090"), "sessiond base URL")
	fs.StringVar(&o.token, "token", getenv("SESSIONCTL_TOKEN", ""), "bearer token for the ops API")
	fs.StringVar(&o.secret, "secret", getenv("OPS_SHARED_SECRET", ""), "HS256 secret used to mint a token when -token is empty")
	fs.StringVar(&o.issuer, "issuer", getenv("OPS_ISSUER", ""), "issuer claim for minted tokens")
	return fs
}

func (o commonOpts) client() (*client, error) {
	token := o.token
	if token == "" && o.secret != "" {
		var err error
		token, err = authz.NewHMACValidator(o.secret, o.issuer, nil).Sign("sessionctl", 5*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("mint token: %w", err)
		}
	}
	return &client{
		baseURL: strings.TrimRight(o.baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *client) do(method, path string, body any) (json.RawMessage, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to close response body: %v\n", cerr)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		if len(data) == 0 {
			data = []byte(resp.Status)
		}
		return nil, fmt.Errorf("%s %s failed: %s", method, path, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func runResolve(args []string, out io.Writer) error {
	var o commonOpts
	fs := newFlagSet("resolve", &o)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("resolve takes exactly one phone number")
	}
	return getAndPrint(o, "/v1/mappings/lid/"+url.PathEscape(fs.Arg(0)), out)
}

func runReverse(args []string, out io.Writer) error {
	var o commonOpts
	fs := newFlagSet("reverse", &o)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("reverse takes exactly one long-lived id")
	}
	return getAndPrint(o, "/v1/mappings/pn/"+url.PathEscape(fs.Arg(0)), out)
}

func runStore(args []string, out io.Writer) error {
	var o commonOpts
	fs := newFlagSet("store", &o)
	pn := fs.String("pn", "", "phone-number user")
	lid := fs.String("lid", "", "long-lived-id user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rec := domain.MappingRecord{PN: strings.TrimSpace(*pn), LID: strings.TrimSpace(*lid)}
	if err := rec.Validate(); err != nil {
		return err
	}
	c, err := o.client()
	if err != nil {
		return err
	}
	data, err := c.do(http.MethodPost, "/v1/mappings", map[string]any{"mappings": []domain.MappingRecord{rec}})
	if err != nil {
		return err
	}
	return printJSON(out, data)
}

func runMigrate(args []string, out io.Writer) error {
	var o commonOpts
	fs := newFlagSet("migrate", &o)
	pn := fs.String("pn", "", "phone-number user")
	lid := fs.String("lid", "", "long-lived-id user (resolved when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*pn) == "" {
		return fmt.Errorf("pn is required")
	}
	c, err := o.client()
	if err != nil {
		return err
	}
	data, err := c.do(http.MethodPost, "/v1/sessions/migrate", map[string]string{
		"pn":  strings.TrimSpace(*pn),
		"lid": strings.TrimSpace(*lid),
	})
	if err != nil {
		return err
	}
	return printJSON(out, data)
}

func runCleanup(args []string, out io.Writer) error {
	var o commonOpts
	fs := newFlagSet("cleanup", &o)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := o.client()
	if err != nil {
		return err
	}
	data, err := c.do(http.MethodPost, "/v1/cleanup/run", nil)
	if err != nil {
		return err
	}
	return printJSON(out, data)
}

func runStats(args []string, out io.Writer) error {
	var o commonOpts
	fs := newFlagSet("stats", &o)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return getAndPrint(o, "/v1/stats", out)
}

func getAndPrint(o commonOpts, path string, out io.Writer) error {
	c, err := o.client()
	if err != nil {
		return err
	}
	data, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return printJSON(out, data)
}

func printJSON(out io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, werr := out.Write(raw)
		return werr
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

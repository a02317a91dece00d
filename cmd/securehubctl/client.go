package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultAddr = "http://localhost:8080"

// ---- token store ----

type tokenFile struct {
	Addr        string    `json:"addr"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "securehub")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "securehub")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tf tokenFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(tokenPath(), b, 0o600)
}

func loadToken() (tokenFile, error) {
	var tf tokenFile
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return tf, errors.New("no saved token (login required)")
	}
	if err := json.Unmarshal(b, &tf); err != nil {
		return tf, err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return tf, errors.New("no valid token (login required)")
	}
	return tf, nil
}

// ---- http client ----

type apiClient struct {
	base  string
	token string
	hc    *http.Client
}

func newClient(addr, token string) *apiClient {
	return &apiClient{base: strings.TrimRight(addr, "/"), token: token, hc: &http.Client{Timeout: time.Minute}}
}

// authedClient builds a client from the saved token. addr overrides the saved address.
func authedClient(addr string) (*apiClient, error) {
	tf, err := loadToken()
	if err != nil {
		return nil, err
	}
	if addr == "" {
		addr = tf.Addr
	}
	if addr == "" {
		addr = defaultAddr
	}
	return newClient(addr, tf.AccessToken), nil
}

type apiError struct {
	Status int
	Msg    string
}

func (e *apiError) Error() string { return fmt.Sprintf("api error: status=%d msg=%s", e.Status, e.Msg) }

// do sends one request and returns the body of a 2xx response.
func (c *apiClient) do(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(b, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return nil, nil, &apiError{Status: resp.StatusCode, Msg: e.Error}
	}
	return b, resp.Header, nil
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	ct := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body, ct = bytes.NewReader(b), "application/json"
	}
	b, _, err := c.do(ctx, method, path, ct, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(b, out)
}

// ---- commands ----

func (c *cli) cmdLogin(ctx context.Context, args []string) error {
	fs := c.flags("login")
	addr := fs.String("addr", defaultAddr, "server base URL")
	user := fs.StringP("username", "u", "", "username")
	pass := fs.StringP("password", "p", "", "password")
	stdin := fs.Bool("password-stdin", false, "read the password from stdin")
	otp := fs.String("otp", "", "one-time code when 2FA is enabled")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	pw, err := c.password(*pass, *stdin)
	if err != nil {
		return err
	}
	if *user == "" || pw == "" {
		return errors.New("need -u and a password")
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	in := map[string]string{"username": *user, "password": pw, "otp": *otp}
	if err := newClient(*addr, "").doJSON(ctx, http.MethodPost, "/api/token", in, &out); err != nil {
		return err
	}
	exp := time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	if err := saveToken(tokenFile{Addr: *addr, AccessToken: out.AccessToken, ExpiresAt: exp}); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "ok")
	return nil
}

// cmdLogout forgets the saved access token. The server-side refresh session lives in a
// browser cookie and is not touched.
func (c *cli) cmdLogout(_ context.Context, args []string) error {
	if err := c.parse(c.flags("logout"), args); err != nil {
		return err
	}
	if err := os.Remove(tokenPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	fmt.Fprintln(c.stdout, "ok")
	return nil
}

func (c *cli) cmdWhoami(ctx context.Context, args []string) error {
	fs := c.flags("whoami")
	addr := fs.String("addr", "", "server base URL")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	api, err := authedClient(*addr)
	if err != nil {
		return err
	}
	var me map[string]any
	if err := api.doJSON(ctx, http.MethodGet, "/api/users/me", nil, &me); err != nil {
		return err
	}
	c.printJSON(me)
	return nil
}

func (c *cli) cmdDocs(ctx context.Context, args []string) error {
	fs := c.flags("docs")
	addr := fs.String("addr", "", "server base URL")
	page := fs.Int("page", 1, "page number")
	size := fs.Int("size", 50, "page size")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	api, err := authedClient(*addr)
	if err != nil {
		return err
	}
	var out json.RawMessage
	path := fmt.Sprintf("/api/documents?page=%d&size=%d", *page, *size)
	if err := api.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	c.printJSON(out)
	return nil
}

func (c *cli) cmdUpload(ctx context.Context, args []string) error {
	fs := c.flags("upload")
	addr := fs.String("addr", "", "server base URL")
	file := fs.String("file", "", "PDF to upload")
	text := fs.String("watermark-text", "", "watermark text")
	fontSize := fs.Int("font-size", 0, "watermark font size")
	opacity := fs.Float64("opacity", -1, "watermark opacity in [0,1]")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("need --file")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	api, err := authedClient(*addr)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(*file))
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if *text != "" {
		_ = mw.WriteField("watermark_text", *text)
	}
	if *fontSize > 0 {
		_ = mw.WriteField("font_size", strconv.Itoa(*fontSize))
	}
	if *opacity >= 0 {
		_ = mw.WriteField("opacity", strconv.FormatFloat(*opacity, 'f', -1, 64))
	}
	if err := mw.Close(); err != nil {
		return err
	}

	b, _, err := api.do(ctx, http.MethodPost, "/api/documents/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		return err
	}
	c.printJSON(json.RawMessage(b))
	return nil
}

func (c *cli) cmdDownload(ctx context.Context, args []string) error {
	fs := c.flags("download")
	addr := fs.String("addr", "", "server base URL")
	id := fs.Int64("id", 0, "document id")
	out := fs.StringP("out", "o", "", "output file, - for stdout (default: server filename)")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	if *id <= 0 {
		return errors.New("need --id")
	}
	api, err := authedClient(*addr)
	if err != nil {
		return err
	}
	b, hdr, err := api.do(ctx, http.MethodGet, fmt.Sprintf("/api/documents/%d/download", *id), "", nil)
	if err != nil {
		return err
	}
	dst := *out
	if dst == "" {
		dst = attachmentName(hdr.Get("Content-Disposition"), *id)
	}
	if dst == "-" {
		_, err = c.stdout.Write(b)
		return err
	}
	if err := os.WriteFile(dst, b, 0o600); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, dst)
	return nil
}

func (c *cli) cmdAccess(ctx context.Context, op string, args []string) error {
	fs := c.flags(op)
	addr := fs.String("addr", "", "server base URL")
	id := fs.Int64("id", 0, "document id")
	user := fs.Int64("user", 0, "user id")
	group := fs.Int64("group", 0, "group id")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	if *id <= 0 || (*user > 0) == (*group > 0) {
		return errors.New("need --id and exactly one of --user or --group")
	}
	api, err := authedClient(*addr)
	if err != nil {
		return err
	}
	in := map[string]int64{}
	if *user > 0 {
		in["user_id"] = *user
	} else {
		in["group_id"] = *group
	}
	var out map[string]any
	if err := api.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/documents/%d/%s", *id, op), in, &out); err != nil {
		return err
	}
	c.printJSON(out)
	return nil
}

// attachmentName extracts a safe local file name from a Content-Disposition header.
func attachmentName(cd string, id int64) string {
	fallback := fmt.Sprintf("document-%d.pdf", id)
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return fallback
	}
	name := filepath.Base(filepath.Clean("/" + params["filename"]))
	if name == "/" || name == "." || name == "" {
		return fallback
	}
	return name
}

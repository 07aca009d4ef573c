// Package gateway talks to the home-automation gateway: a session-id based
// HTTP API with a challenge/response login and XML payloads.
package gateway

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/encoding/unicode"

	"energy-monitor/internal/failure"
	"energy-monitor/internal/logger"
)

const (
	loginPath      = "login_sid.lua"
	deviceListPath = "webservices/homeautoswitch.lua"
)

// Connection identifies the gateway and the account used to log in.
type Connection struct {
	BaseURL  string
	Username string
	Password string
}

// Session keeps the gateway session id and re-establishes it when the
// gateway answers 403.
type Session struct {
	client *http.Client

	mu   sync.Mutex
	conn *Connection
	sid  string
}

// NewSession creates a session that uses an http client with the given
// timeout. No connection is set.
func NewSession(timeout time.Duration) *Session {
	return &Session{
		client: &http.Client{Timeout: timeout},
	}
}

// SetConnection replaces the target. A nil connection disables the gateway.
// Changing the target drops the current session.
func (s *Session) SetConnection(conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn != nil && s.conn != nil && *conn == *s.conn {
		return
	}
	if conn != nil {
		c := *conn
		conn = &c
	}
	s.conn = conn
	s.sid = ""
}

// Configured reports whether a gateway target is set.
func (s *Session) Configured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && s.conn.BaseURL != ""
}

// Login performs the challenge/response handshake and stores the session id.
func (s *Session) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.login(ctx)
}

func (s *Session) login(ctx context.Context) error {
	if s.conn == nil || s.conn.BaseURL == "" {
		return fmt.Errorf("%w: no gateway connection", failure.ErrCommunication)
	}
	s.sid = ""

	info, err := s.sessionInfo(ctx, nil)
	if err != nil {
		return err
	}
	if info.Challenge == "" {
		return fmt.Errorf("%w: gateway did not supply a challenge", failure.ErrProtocol)
	}

	response, err := challengeResponse(info.Challenge, s.conn.Password)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("username", s.conn.Username)
	form.Set("response", response)

	info, err = s.sessionInfo(ctx, form)
	if err != nil {
		return err
	}
	if info.SID == "" || strings.Trim(info.SID, "0") == "" {
		logger.Ctx(ctx).WarnContext(ctx, "gateway login refused", slog.Int("blockTime", info.BlockTime))
		return failure.ErrAccessDenied
	}

	s.sid = info.SID
	logger.Ctx(ctx).DebugContext(ctx, "gateway login success", slog.String("username", s.conn.Username))
	return nil
}

func (s *Session) sessionInfo(ctx context.Context, form url.Values) (sessionInfo, error) {
	var info sessionInfo

	req, err := s.newRequest(ctx, loginPath, nil, form)
	if err != nil {
		return info, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return info, fmt.Errorf("%w: %w", failure.ErrCommunication, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return info, fmt.Errorf("%w: login returned status %d", failure.ErrProtocol, resp.StatusCode)
	}
	if err := xml.NewDecoder(resp.Body).Decode(&info); err != nil {
		return info, fmt.Errorf("%w: decoding session info: %w", failure.ErrProtocol, err)
	}
	return info, nil
}

// challengeResponse hashes challenge-password as UTF-16LE, which is what the
// gateway expects.
func challengeResponse(challenge, password string) (string, error) {
	encoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().String(challenge + "-" + password)
	if err != nil {
		return "", fmt.Errorf("encoding challenge: %w", err)
	}
	sum := md5.Sum([]byte(encoded))
	return challenge + "-" + hex.EncodeToString(sum[:]), nil
}

func (s *Session) newRequest(ctx context.Context, path string, query, form url.Values) (*http.Request, error) {
	u, err := url.Parse(s.conn.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad gateway url: %w", failure.ErrCommunication, err)
	}
	u.Path, err = url.JoinPath(u.Path, path)
	if err != nil {
		return nil, err
	}

	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if s.sid != "" && path != loginPath {
		q.Set("sid", s.sid)
	}
	u.RawQuery = q.Encode()

	if form == nil {
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

// Call sends one request with the session id attached. Without a session it
// logs in first. A 403 triggers exactly one re-login and retry; a second 403
// is returned as failure.ErrAccessDenied.
func (s *Session) Call(ctx context.Context, path string, query url.Values) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sid == "" {
		if err := s.login(ctx); err != nil {
			return nil, err
		}
	}

	for attempt := 0; attempt < 2; attempt++ {
		req, err := s.newRequest(ctx, path, query, nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", failure.ErrCommunication, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: reading response: %w", failure.ErrCommunication, err)
		}

		switch {
		case resp.StatusCode == http.StatusForbidden:
			if attempt > 0 {
				logger.Ctx(ctx).ErrorContext(ctx, "gateway still forbidden after re-login", slog.String("path", path))
				return nil, failure.ErrAccessDenied
			}
			logger.Ctx(ctx).DebugContext(ctx, "gateway session expired")
			if err := s.login(ctx); err != nil {
				return nil, err
			}
			continue
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return nil, fmt.Errorf("%w: %s returned status %d", failure.ErrProtocol, path, resp.StatusCode)
		}
		return bytes.TrimSpace(body), nil
	}
	return nil, failure.ErrAccessDenied
}

// DeviceList fetches and decodes the actor inventory.
func (s *Session) DeviceList(ctx context.Context) (*DeviceList, error) {
	q := url.Values{}
	q.Set("switchcmd", "getdevicelistinfos")

	body, err := s.Call(ctx, deviceListPath, q)
	if err != nil {
		return nil, err
	}

	var list DeviceList
	if err := xml.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("%w: decoding device list: %w", failure.ErrProtocol, err)
	}
	return &list, nil
}

// Package auth resolves who is calling the relay: a desktop device signing
// its requests, a mobile client holding a bearer token linked to a device,
// or anyone holding a session's share link.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/joss/crabrelay/internal/logging"
	"github.com/joss/crabrelay/internal/store"
)

var (
	// ErrUnauthenticated means no valid credentials were presented.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden means the caller is known but may not act on the target.
	ErrForbidden = errors.New("forbidden")
)

// Request headers.
const (
	HeaderDeviceID   = "X-Device-Id"
	HeaderTimestamp  = "X-Timestamp"
	HeaderSignature  = "X-Signature"
	HeaderShareToken = "X-Share-Token"
	ShareQueryParam  = "share"
)

// DefaultSkew bounds the age of a signed request.
const DefaultSkew = 5 * time.Minute

// Kind is the caller category.
type Kind string

const (
	KindDevice Kind = "device"
	KindMobile Kind = "mobile"
	KindShare  Kind = "share"
)

// Context is the resolved identity of a caller. DeviceID is set for device
// and mobile callers; SessionID only for share-link callers.
type Context struct {
	Kind      Kind
	DeviceID  string
	SessionID string
}

// CanView reports whether the caller may read session id owned by owner.
func (c *Context) CanView(id, owner string) bool {
	if c == nil {
		return false
	}
	switch c.Kind {
	case KindDevice, KindMobile:
		return c.DeviceID == owner
	case KindShare:
		return c.SessionID == id
	}
	return false
}

// CanControl reports whether the caller may send input to session id.
// Share links are read-only.
func (c *Context) CanControl(id, owner string) bool {
	if c == nil || c.Kind == KindShare {
		return false
	}
	return c.CanView(id, owner)
}

// Directory is the lookup surface the resolver needs.
type Directory interface {
	DeviceSecretHash(ctx context.Context, deviceID string) (string, error)
	DeviceForMobileToken(ctx context.Context, tokenHash string) (string, error)
	SessionForShareToken(ctx context.Context, token string) (string, error)
}

// Resolver authenticates requests against a Directory.
type Resolver struct {
	dir  Directory
	skew time.Duration
	now  func() time.Time
	log  *logging.Logger
}

// NewResolver returns a resolver accepting signatures up to skew old (or
// in the future). A non-positive skew uses DefaultSkew.
func NewResolver(dir Directory, skew time.Duration) *Resolver {
	if skew <= 0 {
		skew = DefaultSkew
	}
	return &Resolver{dir: dir, skew: skew, now: time.Now, log: logging.New("auth")}
}

// Resolve identifies the caller of r. Device headers take precedence over a
// bearer token, which takes precedence over a share token.
func (v *Resolver) Resolve(r *http.Request) (*Context, error) {
	ctx := r.Context()

	if deviceID := r.Header.Get(HeaderDeviceID); deviceID != "" {
		if err := v.verifyDevice(ctx, deviceID, r.Method, r.URL.Path, r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature)); err != nil {
			v.log.WithDevice(deviceID).Warn("device_rejected", map[string]interface{}{"path": r.URL.Path}, err)
			return nil, err
		}
		return &Context{Kind: KindDevice, DeviceID: deviceID}, nil
	}

	if token, ok := bearerToken(r); ok {
		deviceID, err := v.dir.DeviceForMobileToken(ctx, HashToken(token))
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: unknown bearer token", ErrUnauthenticated)
		}
		if err != nil {
			return nil, err
		}
		return &Context{Kind: KindMobile, DeviceID: deviceID}, nil
	}

	if token := shareToken(r); token != "" {
		sessionID, err := v.dir.SessionForShareToken(ctx, token)
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: unknown share token", ErrUnauthenticated)
		}
		if err != nil {
			return nil, err
		}
		return &Context{Kind: KindShare, SessionID: sessionID}, nil
	}

	return nil, ErrUnauthenticated
}

func (v *Resolver) verifyDevice(ctx context.Context, deviceID, method, path, timestamp, signature string) error {
	if timestamp == "" || signature == "" {
		return fmt.Errorf("%w: missing signature headers", ErrUnauthenticated)
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrUnauthenticated)
	}
	age := v.now().Sub(time.UnixMilli(ts))
	if age > v.skew || age < -v.skew {
		return fmt.Errorf("%w: timestamp outside %s window", ErrUnauthenticated, v.skew)
	}

	secretHash, err := v.dir.DeviceSecretHash(ctx, deviceID)
	if store.IsNotFound(err) {
		return fmt.Errorf("%w: unknown device", ErrUnauthenticated)
	}
	if err != nil {
		return err
	}

	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrUnauthenticated)
	}
	if !hmac.Equal(got, mac(secretHash, method, path, timestamp)) {
		return fmt.Errorf("%w: signature mismatch", ErrUnauthenticated)
	}
	return nil
}

func mac(secretHash, method, path, timestamp string) []byte {
	h := hmac.New(sha256.New, []byte(secretHash))
	h.Write([]byte(method + ":" + path + ":" + timestamp))
	return h.Sum(nil)
}

// Sign returns the hex signature a device sends for method and path at
// timestamp (unix ms). The key is the registered secret hash.
func Sign(secretHash, method, path, timestamp string) string {
	return hex.EncodeToString(mac(secretHash, method, path, timestamp))
}

// SignRequest sets the device headers on r.
func SignRequest(r *http.Request, deviceID, secretHash string, now time.Time) {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	r.Header.Set(HeaderDeviceID, deviceID)
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderSignature, Sign(secretHash, r.Method, r.URL.Path, ts))
}

// HashToken returns the hex SHA-256 of a token or device secret.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

func shareToken(r *http.Request) string {
	if t := r.Header.Get(HeaderShareToken); t != "" {
		return t
	}
	return r.URL.Query().Get(ShareQueryParam)
}

type ctxKey struct{}

// WithContext attaches c to ctx.
func WithContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the caller attached by WithContext.
func FromContext(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Context)
	return c, ok && c != nil
}

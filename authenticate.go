package torctl

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/ferrovax/torctl/internal/errors"
	"github.com/ferrovax/torctl/internal/response"
)

// Keys for the HMACs exchanged during safe cookie authentication, from
// section 3.24 of tor's control-spec.
const (
	safeCookieServerKey = "Tor safe cookie authentication server-to-controller hash"
	safeCookieClientKey = "Tor safe cookie authentication controller-to-server hash"
)

// cookieLength is the exact size of a controller authentication cookie.
const cookieLength = 32

// Authenticate authenticates the connection, negotiating the method with
// tor's PROTOCOLINFO response. Preference order is no authentication, safe
// cookie, cookie, then password. The password is only needed when tor is
// configured with HashedControlPassword.
func (c *Controller) Authenticate(ctx context.Context, password string) error {
	pinfo, err := c.GetProtocolInfo(ctx)
	if err != nil {
		return err
	}

	switch {
	case pinfo.HasAuthMethod(AuthMethodNone):
		err = c.authNone(ctx)
	case pinfo.HasAuthMethod(AuthMethodSafeCookie) && pinfo.CookiePath != "":
		err = c.authSafeCookie(ctx, pinfo.CookiePath)
	case pinfo.HasAuthMethod(AuthMethodCookie) && pinfo.CookiePath != "":
		err = c.authCookie(ctx, pinfo.CookiePath)
	case pinfo.HasAuthMethod(AuthMethodPassword) && password != "":
		err = c.authPassword(ctx, password)
	default:
		c.log.Error("No usable authentication method",
			"auth_methods", pinfo.AuthMethods,
			"have_password", password != "",
		)

		return errors.ErrNoAuthMethod
	}

	if err != nil {
		return err
	}

	c.setAuthenticated()
	c.log.Debug("Authenticated to tor")

	return nil
}

func (c *Controller) authNone(ctx context.Context) error {
	return c.sendAuthenticate(ctx, "AUTHENTICATE")
}

func (c *Controller) authCookie(ctx context.Context, cookiePath string) error {
	cookie, err := readCookie(cookiePath)
	if err != nil {
		return err
	}

	return c.sendAuthenticate(ctx, "AUTHENTICATE "+hex.EncodeToString(cookie))
}

func (c *Controller) authPassword(ctx context.Context, password string) error {
	return c.sendAuthenticate(ctx, "AUTHENTICATE "+quoteValue(password))
}

// authSafeCookie performs the AUTHCHALLENGE exchange, proving we can read
// the cookie file without revealing its content to whoever is listening on
// the socket.
func (c *Controller) authSafeCookie(ctx context.Context, cookiePath string) error {
	cookie, err := readCookie(cookiePath)
	if err != nil {
		return err
	}

	clientNonce := make([]byte, 32)
	if _, err := rand.Read(clientNonce); err != nil {
		return fmt.Errorf("generate client nonce: %w", err)
	}

	m, err := c.Msg(ctx, "AUTHCHALLENGE SAFECOOKIE "+hex.EncodeToString(clientNonce))
	if err != nil {
		return err
	}

	challenge, err := response.ParseAuthChallenge(m)
	if err != nil {
		return err
	}

	// The server proves cookie knowledge first. A mismatch means whatever
	// we're talking to doesn't have the cookie, so don't hand it our hash.
	expected := safeCookieHMAC(safeCookieServerKey, cookie, clientNonce, challenge.ServerNonce)
	if !hmac.Equal(expected, challenge.ServerHash) {
		return errors.Protocolf("AUTHCHALLENGE response has an invalid server hash")
	}

	clientHash := safeCookieHMAC(safeCookieClientKey, cookie, clientNonce, challenge.ServerNonce)

	return c.sendAuthenticate(ctx, "AUTHENTICATE "+hex.EncodeToString(clientHash))
}

func (c *Controller) sendAuthenticate(ctx context.Context, command string) error {
	m, err := c.Msg(ctx, command)
	if err != nil {
		return err
	}

	if !m.IsOK() {
		c.log.Error("Authentication rejected", "code", m.Code(), "message", m.Text())

		return &errors.OperationFailedError{Code: m.Code(), Message: m.Text()}
	}

	return nil
}

// readCookie reads an authentication cookie file. Cookies are exactly 32
// bytes, anything else is not a cookie.
func readCookie(path string) ([]byte, error) {
	cookie, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authentication cookie (%s): %w", path, err)
	}

	if len(cookie) != cookieLength {
		return nil, errors.Protocolf("authentication cookie %s is %d bytes rather than %d", path, len(cookie), cookieLength)
	}

	return cookie, nil
}

func safeCookieHMAC(key string, cookie, clientNonce, serverNonce []byte) []byte {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(cookie)
	mac.Write(clientNonce)
	mac.Write(serverNonce)

	return mac.Sum(nil)
}

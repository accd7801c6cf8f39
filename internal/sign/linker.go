package sign

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Linker opens a deep link in the host environment.
type Linker interface {
	Open(link string) error
}

type LinkerFunc func(link string) error

func (f LinkerFunc) Open(link string) error { return f(link) }

// PairingLink is the deep link handing a pairing URI to a wallet app.
func PairingLink(appLink, uri string) (string, error) {
	base, err := linkBase(appLink)
	if err != nil {
		return "", err
	}
	return base + "?uri=" + url.QueryEscape(uri), nil
}

// RequestLink is the deep link bringing a wallet app to a pending request.
func RequestLink(appLink string, requestID int64, sessionTopic string) (string, error) {
	base, err := linkBase(appLink)
	if err != nil {
		return "", err
	}
	return base + "?requestId=" + strconv.FormatInt(requestID, 10) + "&sessionTopic=" + url.QueryEscape(sessionTopic), nil
}

func linkBase(appLink string) (string, error) {
	if appLink == "" {
		return "", fmt.Errorf("sign: empty app link")
	}
	if _, err := url.Parse(appLink); err != nil {
		return "", fmt.Errorf("sign: app link: %w", err)
	}
	return strings.TrimSuffix(appLink, "/") + "/wc", nil
}

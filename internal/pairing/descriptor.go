package pairing

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// Scheme is the URI scheme the companion app registers for.
const Scheme = "deskbridge"

// Descriptor is everything the companion app needs to find and
// authenticate to this host. It is immutable once built and lives only
// as long as the token it wraps.
type Descriptor struct {
	Token     string
	Host      string
	Port      int
	AppID     string
	ExpiresAt time.Time
}

// URI renders the descriptor as the connect URI embedded in the QR
// code. All values are percent-encoded; expiry is epoch milliseconds.
func (d Descriptor) URI() string {
	q := url.Values{}
	q.Set("token", d.Token)
	q.Set("ip", d.Host)
	q.Set("port", strconv.Itoa(d.Port))
	q.Set("appId", d.AppID)
	q.Set("expires", strconv.FormatInt(d.ExpiresAt.UnixMilli(), 10))

	u := url.URL{
		Scheme:   Scheme,
		Host:     "connect",
		RawQuery: q.Encode(),
	}
	return u.String()
}

// QRDataURI encodes the connect URI as a PNG QR code wrapped in a data
// URI, suitable for direct display in the desktop UI.
func (d Descriptor) QRDataURI() (string, error) {
	png, err := qrcode.Encode(d.URI(), qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// LocalIPv4 returns the first non-loopback IPv4 address of this host.
// Pairing cannot proceed without a routable address for the phone to
// dial, so no address is an error, not an empty string.
func LocalIPv4() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("list interface addresses: %w", err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() {
			continue
		}
		return ip.String(), nil
	}
	return "", ErrNoNetworkInterface
}

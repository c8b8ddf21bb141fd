package bot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/disintegration/imaging"
)

const (
	maxAttachmentBytes = 7 * 1024 * 1024
	maxImageDimension  = 1024
)

var supportedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/jpg":  true,
	"image/webp": true,
	"image/gif":  true,
}

func isSupportedImage(attachment *discordgo.MessageAttachment) bool {
	if attachment.Size > maxAttachmentBytes {
		return false
	}
	if attachment.ContentType != "" {
		return supportedImageTypes[attachment.ContentType]
	}
	lower := strings.ToLower(attachment.Filename)
	return strings.HasSuffix(lower, ".png") ||
		strings.HasSuffix(lower, ".jpg") ||
		strings.HasSuffix(lower, ".jpeg") ||
		strings.HasSuffix(lower, ".webp") ||
		strings.HasSuffix(lower, ".gif")
}

// AttachmentFetcher downloads user-supplied image URLs with an SSRF-guarded
// transport: hosts are resolved first and private, loopback and link-local
// addresses are refused before dialing.
type AttachmentFetcher struct {
	client        *http.Client
	allowLocalIPs bool // testing only
}

func NewAttachmentFetcher() *AttachmentFetcher {
	return &AttachmentFetcher{
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: safeTransport(false),
		},
	}
}

func safeTransport(allowLocalIPs bool) *http.Transport {
	return &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid address: %w", err)
			}

			ips, err := net.LookupIP(host)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve host: %w", err)
			}

			var safeIP net.IP
			for _, ip := range ips {
				if !allowLocalIPs {
					if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
						continue
					}
				}
				safeIP = ip
				break
			}

			if safeIP == nil {
				return nil, fmt.Errorf("blocked access to restricted IP(s) for host: %s", host)
			}

			dialer := &net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(safeIP.String(), port))
		},
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}
}

// SetAllowLocalIPs relaxes the SSRF guard so tests can use local servers.
func (f *AttachmentFetcher) SetAllowLocalIPs(allow bool) {
	f.allowLocalIPs = allow
	f.client.Transport = safeTransport(allow)
}

// Fetch downloads an image and downscales it when it is larger than the
// provider needs. Returns the (possibly re-encoded) bytes and MIME type.
func (f *AttachmentFetcher) Fetch(imageURL string) ([]byte, string, error) {
	u, err := url.Parse(imageURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	resp, err := f.client.Get(imageURL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to fetch image (status %d)", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image data: %w", err)
	}
	if len(data) > maxAttachmentBytes {
		return nil, "", fmt.Errorf("image exceeds %d bytes", maxAttachmentBytes)
	}

	mime := resp.Header.Get("Content-Type")
	if idx := strings.Index(mime, ";"); idx != -1 {
		mime = strings.TrimSpace(mime[:idx])
	}
	if mime == "" {
		mime = guessMIME(imageURL)
	}

	return downscale(data, mime)
}

func guessMIME(imageURL string) string {
	switch {
	case strings.HasSuffix(imageURL, ".png"):
		return "image/png"
	case strings.HasSuffix(imageURL, ".gif"):
		return "image/gif"
	case strings.HasSuffix(imageURL, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// downscale shrinks oversized images before they get base64-inlined into a
// provider request. Images that cannot be decoded (or re-encoded, like
// webp) pass through untouched.
func downscale(data []byte, mime string) ([]byte, string, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return data, mime, nil
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxImageDimension && bounds.Dy() <= maxImageDimension {
		return data, mime, nil
	}

	resized := imaging.Fit(img, maxImageDimension, maxImageDimension, imaging.Lanczos)

	var format imaging.Format
	outMIME := mime
	switch mime {
	case "image/png":
		format = imaging.PNG
	case "image/gif":
		format = imaging.GIF
	default:
		format = imaging.JPEG
		outMIME = "image/jpeg"
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, format); err != nil {
		return data, mime, nil
	}
	return buf.Bytes(), outMIME, nil
}

package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/png"
	"net/url"
	"strings"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/browser-manager/internal/session"
)

// qrCanvasJS reads the first canvas of login-QR size and returns its pixel
// buffer as a data URL, or null.
const qrCanvasJS = `(() => {
	const c = [...document.querySelectorAll('canvas')].find(c => c.width >= 100 && c.height >= 100);
	return c ? c.toDataURL('image/png') : null;
})()`

// qrImageJS scans square image elements of login-QR size, skipping the
// static placeholder, and redraws the first candidate onto a canvas with
// cross-origin permission so its pixels are readable.
const qrImageJS = `(async (placeholder) => {
	const candidates = [...document.querySelectorAll('img')].filter(img =>
		img.naturalWidth >= 100 &&
		img.naturalWidth === img.naturalHeight &&
		!(placeholder && img.src.includes(placeholder)));
	for (const img of candidates) {
		try {
			const fresh = new Image();
			fresh.crossOrigin = 'anonymous';
			await new Promise((resolve, reject) => {
				fresh.onload = resolve;
				fresh.onerror = reject;
				fresh.src = img.src;
			});
			const c = document.createElement('canvas');
			c.width = fresh.naturalWidth;
			c.height = fresh.naturalHeight;
			c.getContext('2d').drawImage(fresh, 0, 0);
			return c.toDataURL('image/png');
		} catch (e) { /* tainted or unreachable, try the next one */ }
	}
	return null;
})(%q)`

const qrHasCanvasJS = `!!document.querySelector('canvas')`

// qrSettings parameterizes the extraction loop; defaults implement the
// 30×200 ms budget with 3 validation retries.
type qrSettings struct {
	TargetHost        string
	LoginPaths        []string
	DenyPaths         []string
	Placeholder       string
	Attempts          int
	Interval          time.Duration
	ValidationRetries int
}

func defaultQRSettings(targetHost string, loginPaths, denyPaths []string, placeholder string) qrSettings {
	return qrSettings{
		TargetHost:        targetHost,
		LoginPaths:        loginPaths,
		DenyPaths:         denyPaths,
		Placeholder:       placeholder,
		Attempts:          30,
		Interval:          200 * time.Millisecond,
		ValidationRetries: 3,
	}
}

// extractQR pulls the login QR out of the page currently showing the
// target application's QR-login URL. It retries extraction on a short
// interval, validates the decoded URL against the login/deny patterns, and
// on ultimate failure returns a full-page screenshot with an error tag.
func extractQR(ctx context.Context, b Browser, cfg qrSettings) (*session.QRImage, error) {
	// Give the page a moment to render a canvas; proceed regardless, the
	// image fallback may still find the QR.
	waitForCanvas(ctx, b, 10, cfg.Interval)

	img, decoded, err := extractLoop(ctx, b, cfg, cfg.Attempts)
	if err == nil {
		// A QR decoded, but it may be the promotional one momentarily in
		// place of the login QR. Validate and re-extract a few times.
		for tries := 0; validateQRURL(decoded, cfg) != nil && tries < cfg.ValidationRetries; tries++ {
			if !sleepCtx(ctx, cfg.Interval) {
				break
			}
			img, decoded, err = extractLoop(ctx, b, cfg, 1)
			if err != nil {
				break
			}
		}
	}

	if err == nil {
		if verr := validateQRURL(decoded, cfg); verr != nil {
			return failureShot(b, verr.Error()), verr
		}

		return &session.QRImage{PNG: img, DecodedURL: decoded}, nil
	}

	return failureShot(b, "no decodable qr code on page"), fmt.Errorf("%w: %v", ErrQrExtraction, err)
}

// extractLoop runs up to n extraction attempts spaced by the configured
// interval, returning the first decodable QR.
func extractLoop(ctx context.Context, b Browser, cfg qrSettings, n int) (pngBytes []byte, decoded string, err error) {
	var lastErr error

	for i := 0; i < n; i++ {
		if i > 0 && !sleepCtx(ctx, cfg.Interval) {
			return nil, "", ctx.Err()
		}

		for _, expr := range []string{qrCanvasJS, fmt.Sprintf(qrImageJS, cfg.Placeholder)} {
			dataURL, evalErr := b.Evaluate(expr)
			if evalErr != nil {
				lastErr = evalErr

				continue
			}

			raw, ok := dataURL.(string)
			if !ok || raw == "" {
				continue
			}

			img, decodeErr := dataURLToPNG(raw)
			if decodeErr != nil {
				lastErr = decodeErr

				continue
			}

			text, qrErr := decodeQR(img)
			if qrErr != nil {
				lastErr = qrErr

				continue
			}

			return img, text, nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no qr candidate appeared in %d attempts", n)
	}

	return nil, "", lastErr
}

// waitForCanvas polls for any canvas element; a timeout is not an error.
func waitForCanvas(ctx context.Context, b Browser, tries int, interval time.Duration) {
	for i := 0; i < tries; i++ {
		if got, err := b.Evaluate(qrHasCanvasJS); err == nil {
			if present, ok := got.(bool); ok && present {
				return
			}
		}
		if !sleepCtx(ctx, interval) {
			return
		}
	}
}

// validateQRURL enforces the URL discipline: target domain, a recognized
// login shape, and not a recognized download/promotional shape. The deny
// check runs even for correct domains because the promotional QR is served
// from the same host.
func validateQRURL(decoded string, cfg qrSettings) error {
	u, err := url.Parse(decoded)
	if err != nil {
		return fmt.Errorf("%w: unparseable url", ErrQrValidation)
	}

	if !strings.HasSuffix(u.Hostname(), cfg.TargetHost) && !strings.HasSuffix(cfg.TargetHost, u.Hostname()) {
		return fmt.Errorf("%w: host %q is not the target application", ErrQrValidation, u.Hostname())
	}

	for _, deny := range cfg.DenyPaths {
		if strings.Contains(u.Path, deny) {
			return fmt.Errorf("%w: %q matches download/promotional pattern %q", ErrQrValidation, u.Path, deny)
		}
	}

	for _, login := range cfg.LoginPaths {
		if strings.HasPrefix(u.Path, login) {
			return nil
		}
	}

	return fmt.Errorf("%w: %q matches no login pattern", ErrQrValidation, u.Path)
}

// decodeQR decodes a QR code from PNG bytes.
func decodeQR(pngBytes []byte) (string, error) {
	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return "", err
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", err
	}

	result, err := qrcode.NewQRCodeReader().Decode(bmp, nil)
	if err != nil {
		return "", err
	}

	return result.GetText(), nil
}

// dataURLToPNG strips the data-URL prefix and decodes the base64 payload.
func dataURLToPNG(dataURL string) ([]byte, error) {
	const prefix = "base64,"

	idx := strings.Index(dataURL, prefix)
	if idx < 0 {
		return nil, fmt.Errorf("not a base64 data url")
	}

	return base64.StdEncoding.DecodeString(dataURL[idx+len(prefix):])
}

// failureShot captures the page as the image payload for a failed
// extraction so operators can see what the login page actually showed.
func failureShot(b Browser, tag string) *session.QRImage {
	shot, err := b.Screenshot()
	if err != nil {
		log.Debug().Err(err).Msg("Failure screenshot unavailable")
	}

	return &session.QRImage{PNG: shot, Error: tag}
}

// sleepCtx sleeps unless the context ends first; reports whether the sleep
// completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

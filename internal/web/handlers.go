package web

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/netresearch/browser-manager/internal/container"
	"github.com/netresearch/browser-manager/internal/session"
)

type loadSessionRequest struct {
	SessionData      json.RawMessage `json:"sessionData"`
	EncryptedSession string          `json:"encryptedSession"`
}

func (a *App) loadSessionHandler(c *fiber.Ctx) error {
	var req loadSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: %v", session.ErrBadBundle, err)
	}

	var (
		id  string
		err error
	)

	switch {
	case req.EncryptedSession != "":
		id, err = a.orch.LoadSessionEncrypted(req.EncryptedSession)
	case len(req.SessionData) > 0:
		id, err = a.orch.LoadSessionJSON(req.SessionData)
	default:
		return fmt.Errorf("%w: sessionData or encryptedSession required", session.ErrBadBundle)
	}
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"sessionId": id,
		"status":    "loaded",
	})
}

func (a *App) listSessionsHandler(c *fiber.Ctx) error {
	sessions := a.orch.ListSessions()

	return c.JSON(fiber.Map{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (a *App) startAuthHandler(c *fiber.Ctx) error {
	authID := a.orch.StartAuth(c.Params("sessionId"))

	return c.JSON(fiber.Map{
		"authSessionId": authID,
		"status":        string(session.AuthAwaitingScan),
	})
}

func (a *App) pollAuthHandler(c *fiber.Ctx) error {
	rec, err := a.orch.PollAuth(c.Params("authSessionId"))
	if err != nil {
		return err
	}

	resp := fiber.Map{"status": string(rec.Status)}

	if rec.QR != nil {
		qr := fiber.Map{"image": base64.StdEncoding.EncodeToString(rec.QR.PNG)}
		if rec.QR.DecodedURL != "" {
			qr["url"] = rec.QR.DecodedURL
		}
		if rec.QR.Error != "" {
			qr["error"] = rec.QR.Error
		}
		resp["qrCodeData"] = qr
	}

	if rec.Bundle != nil {
		resp["sessionData"] = rec.Bundle
	}

	return c.JSON(resp)
}

type sampleRequest struct {
	Count      int             `json:"count"`
	ModuleType string          `json:"module_type"`
	Proxy      *proxyOverrides `json:"proxy"`
}

type proxyOverrides struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`
	Pass string `json:"pass"`
}

func parseSampleRequest(c *fiber.Ctx) (*sampleRequest, error) {
	var req sampleRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return nil, fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}
	if req.Count <= 0 {
		req.Count = 10
	}

	return &req, nil
}

func (a *App) sampleFeedHandler(c *fiber.Ctx) error {
	req, err := parseSampleRequest(c)
	if err != nil {
		return err
	}

	raw, err := a.orch.SampleFeed(c.UserContext(), c.Params("sessionId"), req.Count)
	if err != nil {
		return err
	}

	return c.JSON(browserSampleResponse(raw))
}

func (a *App) sampleHistoryHandler(c *fiber.Ctx) error {
	req, err := parseSampleRequest(c)
	if err != nil {
		return err
	}

	raw, err := a.orch.SampleHistory(c.UserContext(), c.Params("sessionId"), req.Count)
	if err != nil {
		return err
	}

	return c.JSON(browserSampleResponse(raw))
}

// browserSampleResponse shapes a raw browser capture into the playwright
// endpoint response.
func browserSampleResponse(raw json.RawMessage) fiber.Map {
	var capture struct {
		ItemList []json.RawMessage `json:"itemList"`
	}
	_ = json.Unmarshal(raw, &capture)

	videos := capture.ItemList
	if videos == nil {
		videos = []json.RawMessage{}
	}

	return fiber.Map{
		"success":    true,
		"videos":     videos,
		"method":     "playwright",
		"sampled_at": time.Now().UTC().Format(time.RFC3339),
	}
}

func (a *App) moduleSampleHandler(moduleName string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req, err := parseSampleRequest(c)
		if err != nil {
			return err
		}

		var up *container.Upstream
		if req.Proxy != nil {
			up = &container.Upstream{
				Host: req.Proxy.Host,
				Port: req.Proxy.Port,
				User: req.Proxy.User,
				Pass: req.Proxy.Pass,
			}
		}

		res, err := a.orch.SampleModule(c.UserContext(), c.Params("sessionId"), moduleName, req.ModuleType, req.Count, up)
		if err != nil {
			return err
		}

		return c.JSON(fiber.Map{
			"success":    res.StatusCode >= 200 && res.StatusCode < 300,
			"raw":        rawBody(res.Raw),
			"statusCode": res.StatusCode,
		})
	}
}

// rawBody embeds a captured response verbatim when it is valid JSON and as
// a string otherwise.
func rawBody(body []byte) any {
	if json.Valid(body) {
		return json.RawMessage(body)
	}

	return string(body)
}

type createContainerRequest struct {
	Proxy *proxyOverrides `json:"proxy"`
}

func (a *App) createContainerHandler(c *fiber.Ctx) error {
	var req createContainerRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	var up *container.Upstream
	if req.Proxy != nil {
		up = &container.Upstream{
			Host: req.Proxy.Host,
			Port: req.Proxy.Port,
			User: req.Proxy.User,
			Pass: req.Proxy.Pass,
		}
	}

	rec, err := a.orch.CreateContainer(c.UserContext(), up)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"containerId": rec.ID,
		"ip":          rec.Addr,
		"cdpUrl":      rec.DevToolsURL,
		"status":      string(rec.Status),
	})
}

func (a *App) destroyContainerHandler(c *fiber.Ctx) error {
	if err := a.orch.DestroyContainer(c.UserContext(), c.Params("id")); err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true})
}

func (a *App) listContainersHandler(c *fiber.Ctx) error {
	return c.JSON(a.orch.ListContainers())
}

func (a *App) healthHandler(c *fiber.Ctx) error {
	return c.JSON(a.orch.HealthReport())
}

package whatsapp

import (
	"context"
	"fmt"
)

// SendText sends a plain text message
func (c *Client) SendText(ctx context.Context, phone, text string) (string, error) {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                phone,
		"type":              "text",
		"text": map[string]interface{}{
			"preview_url": false,
			"body":        text,
		},
	}

	c.Log.Debug("sending text message", "phone", phone)
	id, err := c.sendMessage(ctx, payload)
	if err != nil {
		c.Log.Error("failed to send text message", "error", err, "phone", phone)
		return "", fmt.Errorf("failed to send text message: %w", err)
	}
	c.Log.Info("text message sent", "message_id", id, "phone", phone)
	return id, nil
}

// SendInteractive sends an interactive message. Up to 3 buttons are sent as
// reply buttons; 4 to 10 become a list.
func (c *Client) SendInteractive(ctx context.Context, phone, bodyText string, buttons []Button) (string, error) {
	if len(buttons) == 0 {
		return "", fmt.Errorf("at least one button is required")
	}
	if len(buttons) > 10 {
		return "", fmt.Errorf("maximum 10 buttons allowed")
	}

	var interactive map[string]interface{}

	if len(buttons) <= 3 {
		buttonsList := make([]map[string]interface{}, 0, len(buttons))
		for _, btn := range buttons {
			title := btn.Title
			if len(title) > 20 {
				title = title[:20]
			}
			buttonsList = append(buttonsList, map[string]interface{}{
				"type": "reply",
				"reply": map[string]interface{}{
					"id":    btn.ID,
					"title": title,
				},
			})
		}

		interactive = map[string]interface{}{
			"type": "button",
			"body": map[string]interface{}{
				"text": bodyText,
			},
			"action": map[string]interface{}{
				"buttons": buttonsList,
			},
		}
	} else {
		rows := make([]map[string]interface{}, 0, len(buttons))
		for _, btn := range buttons {
			title := btn.Title
			if len(title) > 24 {
				title = title[:24]
			}
			rows = append(rows, map[string]interface{}{
				"id":    btn.ID,
				"title": title,
			})
		}

		interactive = map[string]interface{}{
			"type": "list",
			"body": map[string]interface{}{
				"text": bodyText,
			},
			"action": map[string]interface{}{
				"button": "Select an option",
				"sections": []map[string]interface{}{
					{
						"title": "Options",
						"rows":  rows,
					},
				},
			},
		}
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                phone,
		"type":              "interactive",
		"interactive":       interactive,
	}

	c.Log.Debug("sending interactive message", "phone", phone, "buttons", len(buttons))
	id, err := c.sendMessage(ctx, payload)
	if err != nil {
		c.Log.Error("failed to send interactive message", "error", err, "phone", phone)
		return "", fmt.Errorf("failed to send interactive message: %w", err)
	}
	c.Log.Info("interactive message sent", "message_id", id, "phone", phone)
	return id, nil
}

// SendTemplate sends an approved template message with positional body
// parameters.
func (c *Client) SendTemplate(ctx context.Context, phone, name, language string, bodyParams []string) (string, error) {
	template := map[string]interface{}{
		"name": name,
		"language": map[string]interface{}{
			"code": language,
		},
	}

	if len(bodyParams) > 0 {
		params := make([]map[string]interface{}, 0, len(bodyParams))
		for _, p := range bodyParams {
			params = append(params, map[string]interface{}{
				"type": "text",
				"text": p,
			})
		}
		template["components"] = []map[string]interface{}{
			{
				"type":       "body",
				"parameters": params,
			},
		}
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                phone,
		"type":              "template",
		"template":          template,
	}

	c.Log.Debug("sending template message", "phone", phone, "template", name, "language", language)
	id, err := c.sendMessage(ctx, payload)
	if err != nil {
		c.Log.Error("failed to send template message", "error", err, "phone", phone, "template", name)
		return "", fmt.Errorf("failed to send template message: %w", err)
	}
	c.Log.Info("template message sent", "message_id", id, "phone", phone, "template", name)
	return id, nil
}

// SendMediaLink sends an image, document, audio or video by URL
func (c *Client) SendMediaLink(ctx context.Context, phone, mediaType, link, caption string) (string, error) {
	switch mediaType {
	case "image", "document", "audio", "video":
	default:
		return "", fmt.Errorf("unsupported media type %q", mediaType)
	}

	media := map[string]interface{}{
		"link": link,
	}
	if caption != "" && mediaType != "audio" {
		media["caption"] = caption
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                phone,
		"type":              mediaType,
		mediaType:           media,
	}

	c.Log.Debug("sending media message", "phone", phone, "media_type", mediaType)
	id, err := c.sendMessage(ctx, payload)
	if err != nil {
		c.Log.Error("failed to send media message", "error", err, "phone", phone, "media_type", mediaType)
		return "", fmt.Errorf("failed to send media message: %w", err)
	}
	c.Log.Info("media message sent", "message_id", id, "phone", phone)
	return id, nil
}

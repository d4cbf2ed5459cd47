package whatsapp

import "time"

// Button represents an interactive button
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// MetaAPIResponse represents a successful API response from Meta
type MetaAPIResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// MetaAPIError represents an error response from Meta API
type MetaAPIError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		ErrorUserMsg string `json:"error_user_msg"`
		ErrorData    struct {
			Details string `json:"details"`
		} `json:"error_data"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// WebhookPayload represents the incoming webhook from Meta
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

// WebhookEntry represents an entry in the webhook payload
type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

// WebhookChange represents a change in the webhook entry
type WebhookChange struct {
	Value WebhookValue `json:"value"`
	Field string       `json:"field"`
}

// WebhookValue represents the value of a webhook change
type WebhookValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         WebhookMetadata  `json:"metadata"`
	Contacts         []WebhookContact `json:"contacts,omitempty"`
	Messages         []WebhookMessage `json:"messages,omitempty"`
	Statuses         []WebhookStatus  `json:"statuses,omitempty"`
}

// WebhookMetadata represents metadata in webhook
type WebhookMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// WebhookContact represents a contact in webhook
type WebhookContact struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
	WaID string `json:"wa_id"`
}

// WebhookMessage represents an incoming message
type WebhookMessage struct {
	From        string                 `json:"from"`
	ID          string                 `json:"id"`
	Timestamp   string                 `json:"timestamp"`
	Type        string                 `json:"type"`
	Text        *WebhookText           `json:"text,omitempty"`
	Interactive *WebhookInteractive    `json:"interactive,omitempty"`
	Image       *WebhookMedia          `json:"image,omitempty"`
	Document    *WebhookMedia          `json:"document,omitempty"`
	Audio       *WebhookMedia          `json:"audio,omitempty"`
	Video       *WebhookMedia          `json:"video,omitempty"`
	Context     *WebhookMessageContext `json:"context,omitempty"`
}

// WebhookText represents text content in a message
type WebhookText struct {
	Body string `json:"body"`
}

// WebhookInteractive represents interactive message response
type WebhookInteractive struct {
	Type        string              `json:"type"`
	ButtonReply *WebhookButtonReply `json:"button_reply,omitempty"`
	ListReply   *WebhookListReply   `json:"list_reply,omitempty"`
}

// WebhookButtonReply represents a button reply
type WebhookButtonReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// WebhookListReply represents a list selection reply
type WebhookListReply struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// WebhookMedia represents media in a message
type WebhookMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// WebhookMessageContext represents message context (for replies)
type WebhookMessageContext struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Forwarded bool   `json:"forwarded,omitempty"`
}

// WebhookStatus represents a message status update
type WebhookStatus struct {
	ID          string               `json:"id"`
	Status      string               `json:"status"`
	Timestamp   string               `json:"timestamp"`
	RecipientID string               `json:"recipient_id"`
	Errors      []WebhookStatusError `json:"errors,omitempty"`
}

// WebhookStatusError represents an error in status update
type WebhookStatusError struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// ParsedMessage is a flattened incoming message. It serializes onto the
// incoming queue lane, so every field carries a JSON tag.
type ParsedMessage struct {
	From          string    `json:"from"`
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Type          string    `json:"type"`
	Text          string    `json:"text,omitempty"`
	ButtonReplyID string    `json:"button_reply_id,omitempty"`
	ListReplyID   string    `json:"list_reply_id,omitempty"`
	MediaID       string    `json:"media_id,omitempty"`
	MediaMimeType string    `json:"media_mime_type,omitempty"`
	Caption       string    `json:"caption,omitempty"`
	ContactName   string    `json:"contact_name,omitempty"`
	ContextID     string    `json:"context_id,omitempty"`
}

// ParsedStatus represents a parsed status update
type ParsedStatus struct {
	MessageID   string
	Status      string
	Timestamp   time.Time
	RecipientID string
	ErrorCode   int
	ErrorTitle  string
	ErrorMsg    string
}

// -----------------------------------------------------------------------
// Mailer Service - analysis completion notices over SMTP
// File configuration supplies defaults, KeyValue smtp_* keys override them
// -----------------------------------------------------------------------

package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/smtp"
	"net/url"
	"path"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/common"
	"github.com/ternarybob/geosafe/internal/interfaces"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

const finishedSubject = "Your GeoSAFE analysis is finished!"

var finishedBody = template.Must(template.New("finished").Parse(`# Analysis finished

Your analysis **{{.Title}}** has finished with status {{.State}}.

[Open the analysis]({{.URL}}) to review the impact layer and download the reports.
`))

// Config holds the effective SMTP settings
type Config struct {
	Host     string `json:"smtp_host"`
	Port     int    `json:"smtp_port"`
	Username string `json:"smtp_username"`
	Password string `json:"smtp_password"`
	From     string `json:"smtp_from"`
	FromName string `json:"smtp_from_name"`
	UseTLS   bool   `json:"smtp_use_tls"`
}

// Configured reports whether the minimum settings to send are present
func (c *Config) Configured() bool {
	return c.Host != "" && c.From != ""
}

// sendFunc delivers an encoded message
type sendFunc func(cfg *Config, to string, msg []byte) error

// Service sends analysis notifications
type Service struct {
	config    common.NotificationConfig
	kvStorage interfaces.KeyValueStorage
	send      sendFunc
	logger    arbor.ILogger
}

// NewService creates a new mailer service. kvStorage may be nil.
func NewService(config common.NotificationConfig, kvStorage interfaces.KeyValueStorage, logger arbor.ILogger) *Service {
	return &Service{
		config:    config,
		kvStorage: kvStorage,
		send:      deliver,
		logger:    logger,
	}
}

// GetConfig merges file settings with runtime smtp_* overrides
func (s *Service) GetConfig(ctx context.Context) *Config {
	config := &Config{
		Host:     s.config.SMTPHost,
		Port:     s.config.SMTPPort,
		Username: s.config.Username,
		Password: s.config.Password,
		From:     s.config.From,
		FromName: s.config.FromName,
		UseTLS:   s.config.UseTLS,
	}
	if config.Port == 0 {
		config.Port = 587
	}
	if config.FromName == "" {
		config.FromName = "GeoSAFE"
	}
	if s.kvStorage == nil {
		return config
	}

	if host := s.kvValue(ctx, "smtp_host"); host != "" {
		config.Host = host
	}
	if portStr := s.kvValue(ctx, "smtp_port"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			config.Port = port
		}
	}
	if username := s.kvValue(ctx, "smtp_username"); username != "" {
		config.Username = username
	}
	if password := s.kvValue(ctx, "smtp_password"); password != "" {
		config.Password = password
	}
	if from := s.kvValue(ctx, "smtp_from"); from != "" {
		config.From = from
	}
	if fromName := s.kvValue(ctx, "smtp_from_name"); fromName != "" {
		config.FromName = fromName
	}
	if tlsStr := s.kvValue(ctx, "smtp_use_tls"); tlsStr != "" {
		config.UseTLS = strings.ToLower(tlsStr) == "true" || tlsStr == "1"
	}

	return config
}

func (s *Service) kvValue(ctx context.Context, key string) string {
	value, err := s.kvStorage.Get(ctx, key)
	if err != nil {
		return ""
	}
	return value
}

// NotifyAnalysisFinished emails the requester a link to the finished analysis.
// Nothing is sent when notifications are disabled or the requester has no address.
func (s *Service) NotifyAnalysisFinished(ctx context.Context, analysis *models.Analysis) error {
	if !s.config.Enabled || analysis.User.Email == "" {
		return nil
	}

	config := s.GetConfig(ctx)
	if !config.Configured() {
		return fmt.Errorf("SMTP host or sender not configured")
	}

	text, err := renderFinished(analysis, s.analysisURL(analysis.ID))
	if err != nil {
		return err
	}
	htmlBody, err := markdownToHTML(text)
	if err != nil {
		return err
	}

	msg, err := compose(config, analysis.User.Email, finishedSubject, text, htmlBody)
	if err != nil {
		return err
	}

	if err := s.send(config, analysis.User.Email, msg); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	s.logger.Info().
		Str("analysis_id", analysis.ID).
		Str("to", analysis.User.Email).
		Msg("Analysis notification sent")
	return nil
}

func (s *Service) analysisURL(id string) string {
	base, err := url.Parse(s.config.SiteURL)
	if err != nil || s.config.SiteURL == "" {
		return "/analysis/" + id
	}
	base.Path = path.Join("/", base.Path, "analysis", id)
	return base.String()
}

func renderFinished(analysis *models.Analysis, link string) (string, error) {
	title := analysis.UserTitle
	if title == "" {
		title = analysis.ID
	}
	var buf bytes.Buffer
	err := finishedBody.Execute(&buf, struct {
		Title string
		State models.TaskState
		URL   string
	}{Title: title, State: analysis.TaskState, URL: link})
	if err != nil {
		return "", fmt.Errorf("failed to render notification: %w", err)
	}
	return buf.String(), nil
}

func markdownToHTML(markdown string) (string, error) {
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			html.WithXHTML(),
		),
	)

	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return buf.String(), nil
}

// compose builds a multipart/alternative message with text and HTML bodies
func compose(config *Config, to, subject, textBody, htmlBody string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(subject)
	h.SetAddressList("From", []*mail.Address{{Name: config.FromName, Address: config.From}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	inline, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create message body: %w", err)
	}

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain", textBody},
		{"text/html", htmlBody},
	}
	for _, part := range parts {
		var ph mail.InlineHeader
		ph.SetContentType(part.contentType, map[string]string{"charset": "utf-8"})
		ph.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := inline.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s part: %w", part.contentType, err)
		}
		if _, err := io.WriteString(w, part.body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}

	if err := inline.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deliver(config *Config, to string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	if !config.UseTLS {
		return smtp.SendMail(addr, auth, config.From, []string{to}, msg)
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: config.Host})
	if err != nil {
		// Servers on the submission port expect STARTTLS instead
		client, err := smtp.Dial(addr)
		if err != nil {
			return fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
		defer client.Close()
		if err := client.StartTLS(&tls.Config{ServerName: config.Host}); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
		return transmit(client, auth, config.From, to, msg)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, config.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()
	return transmit(client, auth, config.From, to, msg)
}

func transmit(client *smtp.Client, auth smtp.Auth, from, to string, msg []byte) error {
	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("failed to set mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set mail recipient: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}
	return client.Quit()
}

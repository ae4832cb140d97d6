package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/facebookgo/clock"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/internal/infrastructure/blob"
	"github.com/zerozero/octolab/pkg/config"
	apperrors "github.com/zerozero/octolab/pkg/errors"
	"github.com/zerozero/octolab/pkg/logger"
)

// SendMailFunc matches net/smtp.SendMail
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EvidenceDeliverer hands out expiring links to evidence reports and mails
// them on request
type EvidenceDeliverer struct {
	store    blob.Store
	cfg      config.DeliveryConfig
	linkTTL  time.Duration
	clock    clock.Clock
	log      logger.Logger
	sendMail SendMailFunc
}

// NewEvidenceDeliverer creates a deliverer backed by store
func NewEvidenceDeliverer(store blob.Store, cfg config.DeliveryConfig, linkTTL time.Duration, c clock.Clock, log logger.Logger) *EvidenceDeliverer {
	return &EvidenceDeliverer{
		store:    store,
		cfg:      cfg,
		linkTTL:  linkTTL,
		clock:    c,
		log:      log,
		sendMail: smtp.SendMail,
	}
}

// WithSendMail swaps the mail transport
func (d *EvidenceDeliverer) WithSendMail(fn SendMailFunc) *EvidenceDeliverer {
	d.sendMail = fn
	return d
}

// Deliver generates a link to the package report; email destinations also
// receive the link by mail
func (d *EvidenceDeliverer) Deliver(ctx context.Context, sessionID string, pkg *entity.EvidencePackage, dest entity.Destination) (entity.Delivery, error) {
	now := d.clock.Now()
	delivery := entity.Delivery{Destination: dest, AttemptedAt: now}
	if pkg == nil {
		return delivery, apperrors.NewNotFound("evidence package")
	}

	link, expiresAt, err := d.link(ctx, sessionID, pkg, now)
	if err != nil {
		return delivery, err
	}
	delivery.URL = link
	delivery.ExpiresAt = &expiresAt

	switch dest.Kind {
	case entity.DestinationLink:
	case entity.DestinationEmail:
		if err := d.mail(dest.Target, sessionID, pkg, link, expiresAt); err != nil {
			return delivery, err
		}
	default:
		return delivery, apperrors.NewValidation("unknown destination kind").WithMetadata("kind", dest.Kind)
	}

	d.log.Info("Evidence delivered",
		logger.String("session_id", sessionID), logger.String("kind", string(dest.Kind)))
	return delivery, nil
}

// link presigns the report when the store supports it, otherwise it builds
// a URL on the public base
func (d *EvidenceDeliverer) link(ctx context.Context, sessionID string, pkg *entity.EvidencePackage, now time.Time) (string, time.Time, error) {
	ttl := d.linkTTL
	expiresAt := now.Add(ttl)
	if pkg.ExpiresAt.Before(expiresAt) {
		expiresAt = pkg.ExpiresAt
		ttl = expiresAt.Sub(now)
	}
	key := pkg.ReportKey
	if key == "" {
		key = blob.ReportKey(sessionID)
	}

	signed, err := d.store.PresignURL(ctx, key, blob.SignedURLOptions{Expiry: ttl})
	if err == nil {
		return signed, expiresAt, nil
	}
	if !errors.Is(err, blob.ErrUnsupported) {
		return "", time.Time{}, apperrors.NewStorageError("failed to sign evidence link").WithError(err)
	}

	base, err := url.Parse(d.cfg.PublicBaseURL)
	if err != nil || base.Host == "" {
		return "", time.Time{}, apperrors.NewInternal("invalid evidence public URL").WithError(err)
	}
	u := base.JoinPath(sessionID)
	q := u.Query()
	q.Set("manifest", pkg.ManifestHash)
	q.Set("expires", strconv.FormatInt(expiresAt.Unix(), 10))
	u.RawQuery = q.Encode()
	return u.String(), expiresAt, nil
}

func (d *EvidenceDeliverer) mail(to, sessionID string, pkg *entity.EvidencePackage, link string, expiresAt time.Time) error {
	to = strings.TrimSpace(to)
	if to == "" || !strings.Contains(to, "@") {
		return apperrors.NewValidation("a valid email address is required")
	}
	if d.cfg.SMTPHost == "" {
		return apperrors.NewServiceUnavailable("email delivery is not configured")
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", d.cfg.SMTPFrom)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: Lab evidence package %s\r\n", sessionID)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&msg, "Evidence for lab session %s is ready.\r\n\r\n", sessionID)
	fmt.Fprintf(&msg, "Manifest hash: %s\r\n", pkg.ManifestHash)
	fmt.Fprintf(&msg, "Signature (%s, key %s): %s\r\n", pkg.SignatureAlgorithm, pkg.KeyID, pkg.Signature)
	fmt.Fprintf(&msg, "Artifacts: %d\r\n\r\n", len(pkg.Artifacts))
	fmt.Fprintf(&msg, "Download: %s\r\nThis link expires %s.\r\n", link, expiresAt.UTC().Format(time.RFC1123))

	addr := fmt.Sprintf("%s:%d", d.cfg.SMTPHost, d.cfg.SMTPPort)
	if err := d.sendMail(addr, nil, d.cfg.SMTPFrom, []string{to}, msg.Bytes()); err != nil {
		return apperrors.NewExternalService("failed to send evidence email").WithError(err)
	}
	return nil
}

package service

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"

	"github.com/sillymd/hub/internal/models"
	"github.com/sillymd/hub/internal/observability"
	"github.com/sillymd/hub/internal/wecom"
)

// Decrypter opens provider envelopes for one tenant's credentials.
type Decrypter interface {
	Decrypt(encrypted string) (string, error)
	VerifySignature(signature, timestamp, nonce, encrypted string) bool
}

// SignatureParams are the provider's callback signature query parameters.
type SignatureParams struct {
	Signature string
	Timestamp string
	Nonce     string
}

// DecodeResult is the outcome of decoding one inbound provider payload.
// When decryption is not configured or fails in lenient mode, Plaintext is
// the raw body and Decrypted is false.
type DecodeResult struct {
	Decrypted      bool
	Plaintext      string
	Event          *models.ProviderEvent
	FallbackReason string
}

// xmlEnvelope is the outer callback body carrying the encrypted payload.
type xmlEnvelope struct {
	Encrypt string `xml:"Encrypt"`
}

// xmlMessage is the decrypted provider message.
type xmlMessage struct {
	MsgType      string `xml:"MsgType"`
	FromUserName string `xml:"FromUserName"`
	ToUserName   string `xml:"ToUserName"`
	Content      string `xml:"Content"`
	CreateTime   string `xml:"CreateTime"`
}

// PayloadDecoder turns inbound provider callbacks into plaintext events.
// In lenient mode (the default) signature mismatches and decrypt failures
// degrade to the raw body so a tenant misconfiguration never drops events;
// strict mode rejects instead.
type PayloadDecoder struct {
	strict  bool
	metrics observability.RelayMetrics

	newDecrypter func(cfg *models.ProviderCrypto) (Decrypter, error)
}

// NewPayloadDecoder creates a decoder. strict controls whether signature and
// decrypt failures reject the event.
func NewPayloadDecoder(strict bool, metrics observability.RelayMetrics) *PayloadDecoder {
	return &PayloadDecoder{
		strict:  strict,
		metrics: metrics,
		newDecrypter: func(cfg *models.ProviderCrypto) (Decrypter, error) {
			return wecom.NewCrypto(cfg.Token, cfg.EncodingKey, cfg.CorpID)
		},
	}
}

// DecodeEvent decodes one inbound callback body for the tenant. The returned
// error is non-nil only in strict mode.
func (d *PayloadDecoder) DecodeEvent(ctx context.Context, tenant *models.Tenant, body []byte, sig SignatureParams) (*DecodeResult, error) {
	raw := string(body)

	if tenant.Crypto == nil {
		return &DecodeResult{Plaintext: raw}, nil
	}

	var envelope xmlEnvelope
	if err := xml.Unmarshal(body, &envelope); err != nil || envelope.Encrypt == "" {
		return d.fallback(ctx, tenant, raw, "no_encrypted_payload", err)
	}

	crypto, err := d.newDecrypter(tenant.Crypto)
	if err != nil {
		return d.fallback(ctx, tenant, raw, "bad_crypto_config", err)
	}

	if sig.Signature != "" && !crypto.VerifySignature(sig.Signature, sig.Timestamp, sig.Nonce, envelope.Encrypt) {
		if d.strict {
			return nil, fmt.Errorf("provider signature mismatch for tenant %s", tenant.ID)
		}
		// Diagnostic only in lenient mode; some proxies rewrite query params.
		slog.WarnContext(ctx, "Provider signature mismatch, continuing",
			"tenant_id", tenant.ID)
	}

	plaintext, err := crypto.Decrypt(envelope.Encrypt)
	if err != nil {
		return d.fallback(ctx, tenant, raw, "decrypt_failed", err)
	}

	result := &DecodeResult{Decrypted: true, Plaintext: plaintext}

	var msg xmlMessage
	if err := xml.Unmarshal([]byte(plaintext), &msg); err == nil {
		result.Event = &models.ProviderEvent{
			MsgType:    msg.MsgType,
			FromUser:   msg.FromUserName,
			ToUser:     msg.ToUserName,
			Content:    msg.Content,
			CreateTime: msg.CreateTime,
		}
	}

	return result, nil
}

// VerifyURL handles the provider's one-time URL verification: decrypt the
// echo string and return its plaintext. Unlike event decoding this always
// fails on decrypt errors; a misconfigured tenant must not pass verification.
func (d *PayloadDecoder) VerifyURL(ctx context.Context, tenant *models.Tenant, echostr string, sig SignatureParams) (string, error) {
	if tenant.Crypto == nil {
		return "", fmt.Errorf("tenant %s has no provider crypto configured", tenant.ID)
	}

	crypto, err := d.newDecrypter(tenant.Crypto)
	if err != nil {
		return "", fmt.Errorf("build decrypter: %w", err)
	}

	if sig.Signature != "" && !crypto.VerifySignature(sig.Signature, sig.Timestamp, sig.Nonce, echostr) {
		if d.strict {
			return "", fmt.Errorf("provider signature mismatch for tenant %s", tenant.ID)
		}
		slog.WarnContext(ctx, "Provider verification signature mismatch, continuing",
			"tenant_id", tenant.ID)
	}

	plaintext, err := crypto.Decrypt(echostr)
	if err != nil {
		return "", fmt.Errorf("decrypt echo string: %w", err)
	}

	return plaintext, nil
}

func (d *PayloadDecoder) fallback(ctx context.Context, tenant *models.Tenant, raw, reason string, cause error) (*DecodeResult, error) {
	if d.strict {
		if cause == nil {
			return nil, fmt.Errorf("decode provider payload: %s", reason)
		}
		return nil, fmt.Errorf("decode provider payload (%s): %w", reason, cause)
	}

	slog.WarnContext(ctx, "Provider payload decode fell back to raw body",
		"tenant_id", tenant.ID,
		"reason", reason,
		"error", cause,
	)
	if d.metrics != nil {
		d.metrics.RecordDecodeFallback(ctx, reason)
	}

	return &DecodeResult{Plaintext: raw, FallbackReason: reason}, nil
}

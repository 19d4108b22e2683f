package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"spamguard/internal/metrics"
	"spamguard/internal/model"
	"spamguard/internal/normalize"
	"spamguard/internal/storage"
)

// Code is the stable result of a manual block submission.
type Code int

const (
	CodeSuccess Code = iota
	CodeInvalidNonce
	CodeMissingKeyValue
	CodeMissingMatch
	CodeInvalidIP
	CodeInvalidType
	CodeMissingEndDate
	CodeStoreWrite
	CodeInvalidDate
	CodeEndNotAfterStart
	CodeConflictingMatch
)

var codeMessages = map[Code]string{
	CodeSuccess:          "block entry saved",
	CodeInvalidNonce:     "missing or invalid nonce",
	CodeMissingKeyValue:  "a key type requires a key value",
	CodeMissingMatch:     "an IP address or a key type is required",
	CodeInvalidIP:        "invalid IP address",
	CodeInvalidType:      "block type must be permanent or temporary",
	CodeMissingEndDate:   "temporary blocks require an end date",
	CodeStoreWrite:       "block entry could not be saved",
	CodeInvalidDate:      "unrecognized date",
	CodeEndNotAfterStart: "end date must be after the start date",
	CodeConflictingMatch: "set either an IP address or a key, not both",
}

func (c Code) Message() string {
	if m, ok := codeMessages[c]; ok {
		return m
	}
	return "unknown result"
}

// HTTPStatus maps a result code to the status returned by the API.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeSuccess:
		return http.StatusCreated
	case CodeInvalidNonce:
		return http.StatusForbidden
	case CodeStoreWrite:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// CodeFor maps a block entry validation failure to its result code.
func CodeFor(kind model.ValidationKind) Code {
	switch kind {
	case model.KindMissingKeyValue:
		return CodeMissingKeyValue
	case model.KindMissingMatch:
		return CodeMissingMatch
	case model.KindConflictingMatch:
		return CodeConflictingMatch
	case model.KindInvalidIP:
		return CodeInvalidIP
	case model.KindInvalidBlockKind:
		return CodeInvalidType
	case model.KindMissingEndDate:
		return CodeMissingEndDate
	case model.KindEndNotAfterStart:
		return CodeEndNotAfterStart
	}
	return CodeStoreWrite
}

// Submission carries the manual block form fields.
type Submission struct {
	Nonce      string `json:"nonce"`
	BlockedIP  string `json:"blocked_ip"`
	KeyType    string `json:"key_type"`
	BlockedKey string `json:"blocked_key"`
	Type       string `json:"blocked_type"`
	Reason     string `json:"blocked_reason"`
	StartDate  string `json:"blocked_start_date"`
	EndDate    string `json:"blocked_end_date"`
	CreatedBy  string `json:"-"`
}

type Result struct {
	Code    Code              `json:"code"`
	Message string            `json:"message"`
	Entry   *model.BlockEntry `json:"entry,omitempty"`
}

func result(code Code) Result {
	return Result{Code: code, Message: code.Message()}
}

var (
	ErrInvalidNonce     = errors.New("admin: invalid or expired nonce")
	ErrStoreUnavailable = errors.New("admin: block store unavailable")
)

type Service struct {
	store  storage.BlockStore
	nonces *NonceIssuer
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds the submission handler. Dates without a zone are read
// in loc (UTC when nil).
func NewService(store storage.BlockStore, nonces *NonceIssuer, loc *time.Location, logger *slog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: store, nonces: nonces, loc: loc, logger: logger, now: time.Now}
}

func (s *Service) Nonces() *NonceIssuer {
	return s.nonces
}

// Submit validates the form in a fixed order and upserts the entry. The
// first failing check decides the code.
func (s *Service) Submit(ctx context.Context, sub Submission) Result {
	if s.nonces == nil || !s.nonces.Verify(strings.TrimSpace(sub.Nonce), BlockAction) {
		return result(CodeInvalidNonce)
	}
	ip := strings.TrimSpace(sub.BlockedIP)
	keyType := strings.TrimSpace(sub.KeyType)
	key := strings.TrimSpace(sub.BlockedKey)
	switch {
	case keyType != "" && key == "":
		return result(CodeMissingKeyValue)
	case ip == "" && keyType == "":
		return result(CodeMissingMatch)
	case ip != "" && keyType != "":
		return result(CodeConflictingMatch)
	}
	if ip != "" {
		canonical, err := normalize.ParseIP(ip)
		if err != nil {
			return result(CodeInvalidIP)
		}
		ip = canonical
	}
	kind, ok := model.ParseBlockKind(sub.Type)
	if !ok {
		return result(CodeInvalidType)
	}

	endValue := strings.TrimSpace(sub.EndDate)
	if kind == model.BlockTemporary && endValue == "" {
		return result(CodeMissingEndDate)
	}

	start := s.now().UTC()
	if v := strings.TrimSpace(sub.StartDate); v != "" {
		t, err := normalize.ParseTimestamp(v, s.loc)
		if err != nil {
			return result(CodeInvalidDate)
		}
		start = t.UTC()
	}
	var end *time.Time
	if kind == model.BlockTemporary {
		t, err := normalize.ParseTimestamp(endValue, s.loc)
		if err != nil {
			return result(CodeInvalidDate)
		}
		t = t.UTC()
		if !t.After(start) {
			return result(CodeEndNotAfterStart)
		}
		end = &t
	}

	entry := &model.BlockEntry{
		IP:         ip,
		KeyType:    keyType,
		KeyValue:   key,
		Kind:       kind,
		StartBlock: start,
		EndBlock:   end,
		Reason:     strings.TrimSpace(sub.Reason),
		CreatedBy:  sub.CreatedBy,
	}
	if s.store == nil {
		return result(CodeStoreWrite)
	}
	if err := s.store.UpsertBlock(ctx, entry); err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			return result(CodeFor(verr.Kind))
		}
		metrics.IncBlockStoreFailure()
		if s.logger != nil {
			s.logger.Warn("manual block write failed", "ip", ip, "key_type", keyType, "err", err)
		}
		return result(CodeStoreWrite)
	}
	if s.logger != nil {
		s.logger.Info("manual block saved", "id", entry.ID, "match_type", entry.MatchType, "kind", entry.Kind)
	}
	res := result(CodeSuccess)
	res.Entry = entry
	return res
}

// Delete removes a block entry after checking a nonce issued for
// DeleteAction. storage.ErrNotFound is returned for unknown ids.
func (s *Service) Delete(ctx context.Context, id int64, nonce string) error {
	if s.nonces == nil || !s.nonces.Verify(strings.TrimSpace(nonce), DeleteAction) {
		return ErrInvalidNonce
	}
	if s.store == nil {
		return ErrStoreUnavailable
	}
	if err := s.store.DeleteBlock(ctx, id); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Info("block entry deleted", "id", id)
	}
	return nil
}

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTicketFormat = errors.New("invalid ticket format")
	ErrTicketSig    = errors.New("invalid ticket signature")
	ErrTicketExp    = errors.New("ticket expired")
	ErrTicketRoom   = errors.New("ticket room mismatch")
	ErrTicketUser   = errors.New("ticket user mismatch")
)

// Ticket is what a room ticket grants.
type Ticket struct {
	RoomID string
	UserID string
	Exp    int64
}

// GenerateTicket signs a ticket for one user in one room.
// Format: base64url(room + "." + user + "." + exp + "." + hex(hmac_sha256(secret, room.user.exp)))
// Room and user ids are base64url-encoded inside the message so they may contain dots.
func GenerateTicket(secret, roomID, userID string, expUnix int64) string {
	msg := field(roomID) + "." + field(userID) + "." + strconv.FormatInt(expUnix, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(msg + "." + sign(secret, msg)))
}

// ValidateTicket checks signature and expiry, and that the ticket was issued
// for roomID. An empty userID skips the user check.
func ValidateTicket(secret, ticket, roomID, userID string, now time.Time, skewSeconds int) (Ticket, error) {
	b, err := base64.RawURLEncoding.DecodeString(ticket)
	if err != nil {
		return Ticket{}, ErrTicketFormat
	}
	parts := strings.Split(string(b), ".")
	if len(parts) != 4 {
		return Ticket{}, ErrTicketFormat
	}
	room, err1 := unfield(parts[0])
	user, err2 := unfield(parts[1])
	exp, err3 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Ticket{}, ErrTicketFormat
	}

	got, err := hex.DecodeString(parts[3])
	if err != nil {
		return Ticket{}, ErrTicketFormat
	}
	want, _ := hex.DecodeString(sign(secret, strings.Join(parts[:3], ".")))
	if !hmac.Equal(want, got) {
		return Ticket{}, ErrTicketSig
	}
	if now.Unix() > exp+int64(skewSeconds) {
		return Ticket{}, ErrTicketExp
	}
	if room != roomID {
		return Ticket{}, ErrTicketRoom
	}
	if userID != "" && user != userID {
		return Ticket{}, ErrTicketUser
	}
	return Ticket{RoomID: room, UserID: user, Exp: exp}, nil
}

func sign(secret, msg string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func field(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func unfield(s string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	return string(b), err
}

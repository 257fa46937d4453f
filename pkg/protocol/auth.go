// SPDX-FileCopyrightText: 2024 Jonathan Bradshaw
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"fmt"
	"strings"
	"time"
)

// ReauthInterval is the cadence of the periodic logon. The server drops
// idle-unauthenticated clients after roughly 120 seconds, so the logon
// must repeat faster than that.
const ReauthInterval = 115 * time.Second

// Authenticator produces the XOR-masked logon payload for a configured
// email address. It owns nothing but the payload; the connection
// supervisor drives when it is written.
type Authenticator struct {
	email string
}

// NewAuthenticator validates the email address and returns an
// Authenticator. An empty address, after trimming, is the one fatal
// configuration error of the client.
func NewAuthenticator(email string) (*Authenticator, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("email address cannot be empty")
	}

	return &Authenticator{email: email}, nil
}

// Email returns the trimmed email address.
func (a *Authenticator) Email() string {
	return a.email
}

// LogonPayload returns the masked logon message to be written on connect
// and on every ReauthInterval tick thereafter.
func (a *Authenticator) LogonPayload() []byte {
	return MaskString("ByteBlast Client|NM-" + a.email + "|V2")
}

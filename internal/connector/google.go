// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connector

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/oauth2/google"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/arcmail/arcmail/internal/models"
)

// Google archives a Google Workspace tenant via a service account with
// domain-wide delegation. Users are enumerated through the Admin Directory
// API; each mailbox is read through the Gmail API by impersonating its user.
// The per-mailbox checkpoint is the Gmail history id.
type Google struct {
	creds models.Credentials

	// historyIDs collects the per-mailbox checkpoints of the last stream.
	historyIDs map[string]string
}

// NewGoogle creates a connector for a Google Workspace tenant.
func NewGoogle(creds models.Credentials) *Google {
	return &Google{creds: creds, historyIDs: make(map[string]string)}
}

// impersonate builds a token source acting as the given user.
func (c *Google) impersonate(ctx context.Context, subject string, scopes ...string) (option.ClientOption, error) {
	conf, err := google.JWTConfigFromJSON([]byte(c.creds.ServiceAccountKeyJSON), scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	conf.Subject = subject
	return option.WithTokenSource(conf.TokenSource(ctx)), nil
}

func (c *Google) TestConnection(ctx context.Context) error {
	opt, err := c.impersonate(ctx, c.creds.ImpersonatedAdminEmail, admin.AdminDirectoryUserReadonlyScope)
	if err != nil {
		return &ConnectionError{Provider: models.ProviderGoogleWorkspace, Err: err}
	}
	srv, err := admin.NewService(ctx, opt)
	if err != nil {
		return &ConnectionError{Provider: models.ProviderGoogleWorkspace, Err: err}
	}
	if _, err := srv.Users.List().Customer("my_customer").MaxResults(1).Do(); err != nil {
		return &ConnectionError{Provider: models.ProviderGoogleWorkspace, Err: err}
	}
	return nil
}

func (c *Google) ListAllUsers(ctx context.Context) ([]models.MailboxUser, error) {
	opt, err := c.impersonate(ctx, c.creds.ImpersonatedAdminEmail, admin.AdminDirectoryUserReadonlyScope)
	if err != nil {
		return nil, err
	}
	srv, err := admin.NewService(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("create directory service: %w", err)
	}

	var users []models.MailboxUser
	pageToken := ""
	for {
		call := srv.Users.List().Customer("my_customer").MaxResults(500).OrderBy("email")
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, googleProviderError(err)
		}
		for _, u := range resp.Users {
			if u.Suspended {
				continue
			}
			display := u.PrimaryEmail
			if u.Name != nil && u.Name.FullName != "" {
				display = u.Name.FullName
			}
			users = append(users, models.MailboxUser{
				ID:           u.Id,
				PrimaryEmail: u.PrimaryEmail,
				DisplayName:  display,
			})
		}
		if resp.NextPageToken == "" {
			return users, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (c *Google) FetchEmails(ctx context.Context, mailbox string, state *models.SyncState) (Iterator, error) {
	opt, err := c.impersonate(ctx, mailbox, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, err
	}
	srv, err := gmail.NewService(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}

	// The profile's current history id becomes the next checkpoint; taking
	// it before streaming means overlap rather than gaps on the next cycle.
	profile, err := srv.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, googleProviderError(err)
	}

	var prior string
	if state != nil {
		prior = state.Google[mailbox].HistoryID
	}

	var ids []string
	if prior != "" {
		ids, err = c.changedMessageIDs(ctx, srv, prior)
	} else {
		ids, err = c.allMessageIDs(ctx, srv)
	}
	if err != nil {
		return nil, err
	}

	c.historyIDs[mailbox] = strconv.FormatUint(profile.HistoryId, 10)

	return &gmailIterator{srv: srv, ids: ids}, nil
}

// allMessageIDs pages through every message id in the mailbox.
func (c *Google) allMessageIDs(ctx context.Context, srv *gmail.Service) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		call := srv.Users.Messages.List("me").MaxResults(500)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, googleProviderError(err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}

// changedMessageIDs pages the history log since the prior checkpoint and
// collects added messages.
func (c *Google) changedMessageIDs(ctx context.Context, srv *gmail.Service, sinceHistoryID string) ([]string, error) {
	since, err := strconv.ParseUint(sinceHistoryID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad history id %q: %w", sinceHistoryID, err)
	}

	seen := make(map[string]struct{})
	var ids []string
	pageToken := ""
	for {
		call := srv.Users.History.List("me").StartHistoryId(since).HistoryTypes("messageAdded")
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, googleProviderError(err)
		}
		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil {
					continue
				}
				if _, dup := seen[added.Message.Id]; dup {
					continue
				}
				seen[added.Message.Id] = struct{}{}
				ids = append(ids, added.Message.Id)
			}
		}
		if resp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (c *Google) UpdatedSyncState(mailbox string) models.SyncState {
	id, ok := c.historyIDs[mailbox]
	if !ok {
		return models.SyncState{}
	}
	return models.SyncState{
		Google: map[string]models.GoogleMailboxState{
			mailbox: {HistoryID: id},
		},
	}
}

func (c *Google) Close() error { return nil }

type gmailIterator struct {
	srv *gmail.Service
	ids []string
	pos int
}

func (it *gmailIterator) Next(ctx context.Context) (*models.EmailObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.ids) {
		return nil, io.EOF
	}
	id := it.ids[it.pos]
	it.pos++

	msg, err := it.srv.Users.Messages.Get("me", id).Format("raw").Context(ctx).Do()
	if err != nil {
		if perr := googleProviderError(err); isTransient(perr) {
			return nil, perr
		}
		slog.Error("failed to fetch gmail message, skipping", "message", id, "error", err)
		return nil, nil
	}

	raw, err := base64.URLEncoding.DecodeString(msg.Raw)
	if err != nil {
		slog.Error("failed to decode gmail message, skipping", "message", id, "error", err)
		return nil, nil
	}

	obj := ParseMessage(raw, "")
	obj.Tags = msg.LabelIds
	return obj, nil
}

func (it *gmailIterator) Close() error { return nil }

// googleProviderError classifies Google API failures: quota and rate-limit
// responses become TransientError so the mailbox job can surface them as a
// per-mailbox failure instead of an infrastructure one.
func googleProviderError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429, 500, 502, 503:
			return &TransientError{RetryAfter: retryAfterHeader(apiErr), Err: err}
		}
	}
	return err
}

func retryAfterHeader(apiErr *googleapi.Error) time.Duration {
	if apiErr.Header == nil {
		return 0
	}
	if v := apiErr.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func isTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

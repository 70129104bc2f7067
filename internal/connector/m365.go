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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/arcmail/arcmail/internal/models"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// M365 archives a Microsoft 365 tenant through the Graph API using
// application (client credentials) auth. Mail folders are walked per user;
// the per-folder checkpoint is a Graph delta link, so continuous cycles only
// see changes since the last one.
type M365 struct {
	creds models.Credentials
	base  string

	httpClient *http.Client

	// deltaLinks collects per-mailbox, per-folder checkpoints of the last
	// stream, keyed mailbox -> folder id.
	deltaLinks map[string]map[string]string
}

// NewM365 creates a connector for a Microsoft 365 tenant.
func NewM365(creds models.Credentials) *M365 {
	return &M365{
		creds:      creds,
		base:       graphBaseURL,
		deltaLinks: make(map[string]map[string]string),
	}
}

func (c *M365) client(ctx context.Context) *http.Client {
	if c.httpClient == nil {
		conf := &clientcredentials.Config{
			ClientID:     c.creds.ClientID,
			ClientSecret: c.creds.ClientSecret,
			TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.creds.TenantID),
			Scopes:       []string{"https://graph.microsoft.com/.default"},
		}
		c.httpClient = conf.Client(ctx)
	}
	return c.httpClient
}

func (c *M365) TestConnection(ctx context.Context) error {
	var page graphUsersPage
	if err := c.getJSON(ctx, c.base+"/users?$top=1", &page); err != nil {
		return &ConnectionError{Provider: models.ProviderM365, Err: err}
	}
	return nil
}

type graphUser struct {
	ID                string `json:"id"`
	Mail              string `json:"mail"`
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
}

type graphUsersPage struct {
	Value    []graphUser `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

func (c *M365) ListAllUsers(ctx context.Context) ([]models.MailboxUser, error) {
	params := url.Values{}
	params.Set("$select", "id,mail,displayName,userPrincipalName")
	params.Set("$top", "100")

	var users []models.MailboxUser
	for nextURL := c.base + "/users?" + params.Encode(); nextURL != ""; {
		var page graphUsersPage
		if err := c.getJSON(ctx, nextURL, &page); err != nil {
			return nil, err
		}
		for _, u := range page.Value {
			// Users without a mailbox have no mail attribute.
			if u.Mail == "" {
				continue
			}
			users = append(users, models.MailboxUser{
				ID:           u.ID,
				PrimaryEmail: u.Mail,
				DisplayName:  u.DisplayName,
			})
		}
		nextURL = page.NextLink
	}
	return users, nil
}

type graphFolder struct {
	ID               string `json:"id"`
	DisplayName      string `json:"displayName"`
	ChildFolderCount int    `json:"childFolderCount"`
}

type graphFoldersPage struct {
	Value    []graphFolder `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

// m365Folder is a mail folder with its accumulated display path.
type m365Folder struct {
	id   string
	path string
}

// listFolders walks the mailbox's folder tree breadth-first.
func (c *M365) listFolders(ctx context.Context, mailbox string) ([]m365Folder, error) {
	type frame struct {
		url  string
		path string
	}
	pending := []frame{{url: fmt.Sprintf("%s/users/%s/mailFolders?$top=100", c.base, mailbox)}}

	var folders []m365Folder
	for len(pending) > 0 {
		f := pending[0]
		pending = pending[1:]

		for nextURL := f.url; nextURL != ""; {
			var page graphFoldersPage
			if err := c.getJSON(ctx, nextURL, &page); err != nil {
				return nil, err
			}
			for _, folder := range page.Value {
				path := folder.DisplayName
				if f.path != "" {
					path = f.path + "/" + folder.DisplayName
				}
				folders = append(folders, m365Folder{id: folder.ID, path: path})
				if folder.ChildFolderCount > 0 {
					pending = append(pending, frame{
						url:  fmt.Sprintf("%s/users/%s/mailFolders/%s/childFolders?$top=100", c.base, mailbox, folder.ID),
						path: path,
					})
				}
			}
			nextURL = page.NextLink
		}
	}
	return folders, nil
}

type graphDeltaMessage struct {
	ID      string `json:"id"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

type graphDeltaPage struct {
	Value     []graphDeltaMessage `json:"value"`
	NextLink  string              `json:"@odata.nextLink"`
	DeltaLink string              `json:"@odata.deltaLink"`
}

// m365MessageRef is one message to fetch, with the folder it lives in.
type m365MessageRef struct {
	id   string
	path string
}

func (c *M365) FetchEmails(ctx context.Context, mailbox string, state *models.SyncState) (Iterator, error) {
	folders, err := c.listFolders(ctx, mailbox)
	if err != nil {
		return nil, err
	}

	var prior map[string]string
	if state != nil {
		prior = state.Microsoft[mailbox].DeltaTokens
	}

	newLinks := make(map[string]string, len(folders))
	var refs []m365MessageRef
	for _, folder := range folders {
		folderRefs, deltaLink, err := c.deltaFolder(ctx, mailbox, folder, prior[folder.id])
		if err != nil {
			return nil, fmt.Errorf("delta sync folder %s: %w", folder.path, err)
		}
		refs = append(refs, folderRefs...)
		if deltaLink != "" {
			newLinks[folder.id] = deltaLink
		}
	}
	c.deltaLinks[mailbox] = newLinks

	return &m365Iterator{conn: c, mailbox: mailbox, refs: refs}, nil
}

// deltaFolder pages one folder's delta query, resuming from the prior delta
// link when there is one. An expired token (410 Gone) falls back to a fresh
// full enumeration of the folder.
func (c *M365) deltaFolder(ctx context.Context, mailbox string, folder m365Folder, priorLink string) ([]m365MessageRef, string, error) {
	startURL := priorLink
	if startURL == "" {
		startURL = fmt.Sprintf("%s/users/%s/mailFolders/%s/messages/delta?$select=id", c.base, mailbox, folder.id)
	}

	var refs []m365MessageRef
	var deltaLink string
	for nextURL := startURL; nextURL != ""; {
		var page graphDeltaPage
		if err := c.getJSON(ctx, nextURL, &page); err != nil {
			if isGone(err) && priorLink != "" {
				slog.Warn("delta token expired, re-enumerating folder",
					"mailbox", mailbox,
					"folder", folder.path,
				)
				return c.deltaFolder(ctx, mailbox, folder, "")
			}
			return nil, "", err
		}
		for _, msg := range page.Value {
			if msg.Removed != nil {
				continue
			}
			refs = append(refs, m365MessageRef{id: msg.ID, path: folder.path})
		}
		if page.DeltaLink != "" {
			deltaLink = page.DeltaLink
			break
		}
		nextURL = page.NextLink
	}
	return refs, deltaLink, nil
}

func (c *M365) UpdatedSyncState(mailbox string) models.SyncState {
	links, ok := c.deltaLinks[mailbox]
	if !ok {
		return models.SyncState{}
	}
	return models.SyncState{
		Microsoft: map[string]models.MicrosoftMailboxState{
			mailbox: {DeltaTokens: links},
		},
	}
}

func (c *M365) Close() error { return nil }

type m365Iterator struct {
	conn    *M365
	mailbox string
	refs    []m365MessageRef
	pos     int
}

func (it *m365Iterator) Next(ctx context.Context) (*models.EmailObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.refs) {
		return nil, io.EOF
	}
	ref := it.refs[it.pos]
	it.pos++

	raw, err := it.conn.getRaw(ctx, fmt.Sprintf("%s/users/%s/messages/%s/$value", it.conn.base, it.mailbox, ref.id))
	if err != nil {
		if isTransient(err) {
			return nil, err
		}
		slog.Error("failed to fetch graph message, skipping", "message", ref.id, "error", err)
		return nil, nil
	}

	return ParseMessage(raw, ref.path), nil
}

func (it *m365Iterator) Close() error { return nil }

// getJSON performs an authenticated Graph GET and decodes the JSON body.
func (c *M365) getJSON(ctx context.Context, reqURL string, out interface{}) error {
	body, err := c.get(ctx, reqURL, "application/json")
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decode graph response: %w", err)
	}
	return nil
}

func (c *M365) getRaw(ctx context.Context, reqURL string) ([]byte, error) {
	body, err := c.get(ctx, reqURL, "")
	if err != nil {
		return nil, err
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read graph response: %w", err)
	}
	return raw, nil
}

func (c *M365) get(ctx context.Context, reqURL, accept string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build graph request: %w", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.client(ctx).Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph request: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, errGone
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, &TransientError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("graph returned HTTP %d", resp.StatusCode),
		}
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("graph returned HTTP %d: %s", resp.StatusCode, detail)
	}
}

// errGone marks an expired delta token (410 Gone).
var errGone = fmt.Errorf("delta token expired (410 Gone)")

func isGone(err error) bool { return err == errGone }

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package couch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// defaultIAMTokenURL é o endpoint de produção do IBM Cloud IAM.
const defaultIAMTokenURL = "https://iam.cloud.ibm.com/identity/token"

// tokenSlack renova o token antes do expiry real.
const tokenSlack = 60 * time.Second

// iamTokenSource troca uma api key por bearer tokens, com cache até o expiry.
// A api key nunca aparece em erros ou logs.
type iamTokenSource struct {
	apiKey   string
	tokenURL string
	http     *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newIAMTokenSource(apiKey, tokenURL string, httpClient *http.Client) *iamTokenSource {
	if tokenURL == "" {
		tokenURL = defaultIAMTokenURL
	}
	return &iamTokenSource{apiKey: apiKey, tokenURL: tokenURL, http: httpClient}
}

// Token retorna um bearer token válido, renovando se necessário.
func (ts *iamTokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Now().Before(ts.expires) {
		return ts.token, nil
	}

	form := url.Values{
		"grant_type": {"urn:ibm:params:oauth:grant-type:apikey"},
		"apikey":     {ts.apiKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building IAM token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := ts.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting IAM token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Não inclui o body: pode ecoar a api key
		return "", fmt.Errorf("IAM token endpoint returned status %d", resp.StatusCode)
	}

	var decoded struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decoding IAM token response: %w", err)
	}
	if decoded.AccessToken == "" {
		return "", fmt.Errorf("IAM token response missing access_token")
	}

	ts.token = decoded.AccessToken
	ts.expires = time.Now().Add(time.Duration(decoded.ExpiresIn)*time.Second - tokenSlack)
	return ts.token, nil
}

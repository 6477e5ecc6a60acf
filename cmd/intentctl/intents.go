package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"crosslend/config"
	"crosslend/crypto"
	"crosslend/native/xchain"
	"crosslend/services/spoked"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func runSign(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	networkPath := fs.String("network", "network.toml", "Network file naming the hub signing domain")
	keystorePath := fs.String("keystore", "intent.keystore", "Keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	action := fs.String("action", "supply", "Intent action: supply or borrow")
	asset := fs.String("asset", "", "Asset symbol")
	amount := fs.String("amount", "", "Amount in base units")
	nonce := fs.Uint64("nonce", 0, "Hub nonce for the user")
	ttl := fs.Duration("ttl", 0, "Deadline relative to now; zero means no expiry")
	payer := fs.String("payer", "", "Account paying the relay fee")
	fee := fs.String("fee", "", "Relay fee in the spoke fee asset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	network, err := config.LoadNetwork(*networkPath)
	if err != nil {
		return err
	}
	key, err := loadKey(*keystorePath, *passEnv)
	if err != nil {
		return err
	}
	req, err := buildRequest(network.SigningDomain(), key, signParams{
		action: *action,
		asset:  *asset,
		amount: *amount,
		nonce:  *nonce,
		ttl:    *ttl,
		payer:  *payer,
		fee:    *fee,
		now:    time.Now(),
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(req)
}

type signParams struct {
	action string
	asset  string
	amount string
	nonce  uint64
	ttl    time.Duration
	payer  string
	fee    string
	now    time.Time
}

func buildRequest(domain xchain.SigningDomain, key *crypto.PrivateKey, p signParams) (spoked.RelayRequest, error) {
	action, err := xchain.ParseAction(strings.ToLower(strings.TrimSpace(p.action)))
	if err != nil {
		return spoked.RelayRequest{}, err
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(p.amount), 10)
	if !ok {
		return spoked.RelayRequest{}, fmt.Errorf("invalid amount %q", p.amount)
	}
	intent := xchain.Intent{
		Action: action,
		User:   key.Address(),
		Asset:  xchain.NormalizeAsset(p.asset),
		Amount: value,
		Nonce:  p.nonce,
	}
	if p.ttl > 0 {
		intent.Deadline = uint64(p.now.Add(p.ttl).Unix())
	}
	if err := intent.Validate(); err != nil {
		return spoked.RelayRequest{}, err
	}
	signed, err := domain.Sign(key, intent)
	if err != nil {
		return spoked.RelayRequest{}, err
	}
	return spoked.RelayRequest{Intent: signed.ToJSON(), Payer: p.payer, Fee: p.fee}, nil
}

func runSubmit(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	spokeURL := fs.String("spoke", "http://localhost:8082", "Spoke daemon base URL")
	in := fs.String("in", "-", "Signed request file, or - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var src io.Reader = stdin
	if *in != "-" {
		f, err := os.Open(*in)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}
	var req spoked.RelayRequest
	if err := json.NewDecoder(src).Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	route := "/v1/supply"
	if strings.EqualFold(req.Intent.Action, xchain.ActionBorrow.String()) {
		route = "/v1/borrow"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(strings.TrimRight(*spokeURL, "/")+route, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	return copyResponse(resp, http.StatusAccepted, stdout)
}

func runNonce(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("nonce", flag.ContinueOnError)
	hubURL := fs.String("hub", "http://localhost:8081", "Hub daemon base URL")
	user := fs.String("user", "", "User address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("-user required")
	}
	resp, err := httpClient.Get(strings.TrimRight(*hubURL, "/") + "/v1/positions/" + *user)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return copyResponse(resp, http.StatusOK, stdout)
	}
	var out struct {
		Nonce uint64 `json:"next_nonce"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	fmt.Fprintln(stdout, out.Nonce)
	return nil
}

func runStatus(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	hubURL := fs.String("hub", "http://localhost:8081", "Hub daemon base URL")
	id := fs.String("id", "", "Intent id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := xchain.ParseIntentID(*id); err != nil {
		return err
	}
	resp, err := httpClient.Get(strings.TrimRight(*hubURL, "/") + "/v1/intents/" + *id)
	if err != nil {
		return err
	}
	return copyResponse(resp, http.StatusOK, stdout)
}

func copyResponse(resp *http.Response, want int, stdout io.Writer) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	_, err = stdout.Write(body)
	return err
}

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/EternisAI/silo-link/internal/api/http/dto"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const requestTimeout = 15 * time.Second

// hostAPI is a thin client for the host's pairing endpoints.
type hostAPI struct {
	baseURL string
	client  *http.Client
}

func newHostAPI(baseURL string) *hostAPI {
	return &hostAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: requestTimeout},
	}
}

func (h *hostAPI) post(path, bearer string, in, out any) error {
	reqBody, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, h.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e dto.ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			if e.Limit > 0 {
				return fmt.Errorf("%s (HTTP %d, limit %d)", e.Error, resp.StatusCode, e.Limit)
			}
			return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("request failed (HTTP %d): %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (h *hostAPI) initiate(deviceName, deviceID string) (*dto.InitiatePairingResponse, error) {
	var out dto.InitiatePairingResponse
	err := h.post("/api/v1/pairing/initiate", "", dto.InitiatePairingRequest{
		DeviceName: deviceName,
		DeviceID:   deviceID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *hostAPI) verify(pairingID, code, deviceID string) (*dto.VerifyPairingResponse, error) {
	var out dto.VerifyPairingResponse
	err := h.post("/api/v1/pairing/verify", "", dto.VerifyPairingRequest{
		PairingID:   pairingID,
		PairingCode: code,
		DeviceID:    deviceID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *hostAPI) rotateToken(deviceID, token string) (*dto.TokenResponse, error) {
	var out dto.TokenResponse
	if err := h.post("/api/v1/devices/"+deviceID+"/token", token, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type credentialPaths struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

func writeCredentials(dir string, resp *dto.VerifyPairingResponse) (credentialPaths, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return credentialPaths{}, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	paths := credentialPaths{
		CertFile: filepath.Join(dir, "client-cert.pem"),
		KeyFile:  filepath.Join(dir, "client-key.pem"),
		CAFile:   filepath.Join(dir, "ca.pem"),
	}
	if err := os.WriteFile(paths.CertFile, []byte(resp.ClientCertificate), 0644); err != nil {
		return credentialPaths{}, fmt.Errorf("failed to write cert: %w", err)
	}
	if err := os.WriteFile(paths.KeyFile, []byte(resp.ClientPrivateKey), 0600); err != nil {
		return credentialPaths{}, fmt.Errorf("failed to write key: %w", err)
	}
	if err := os.WriteFile(paths.CAFile, []byte(resp.CACertificate), 0644); err != nil {
		return credentialPaths{}, fmt.Errorf("failed to write CA cert: %w", err)
	}
	return paths, nil
}

// updateConfigFile merges updates (section -> key -> value) into the YAML
// file at path, creating it if needed. Unrelated keys are preserved.
func updateConfigFile(path, note string, updates map[string]map[string]any) error {
	doc := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("failed to read config file: %w", err)
	}

	for section, values := range updates {
		sec, ok := doc[section].(map[string]any)
		if !ok {
			sec = map[string]any{}
			doc[section] = sec
		}
		for k, v := range values {
			sec[k] = v
		}
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	final := "# " + note + " on " + time.Now().Format(time.RFC3339) + "\n" + string(out)

	// The file carries the auth token.
	if err := os.WriteFile(path, []byte(final), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func readCode(in io.Reader) (string, error) {
	fmt.Print("Enter pairing code: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read pairing code: %w", err)
	}
	code := strings.TrimSpace(line)
	if code == "" {
		return "", fmt.Errorf("pairing code is required")
	}
	return code, nil
}

func runPair(args []string) error {
	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	server := fs.String("server", config.Server.HttpURL, "Host HTTP URL (e.g., http://host:8080)")
	name := fs.String("name", config.Device.Name, "Human readable device name")
	deviceID := fs.String("device-id", config.Device.ID, "Device ID (generated when empty)")
	code := fs.String("code", "", "Pairing code; prompted for when empty")
	certDir := fs.String("cert-dir", "./certs", "Directory to save credentials")
	cfgFile := fs.String("config", configPath, "Config file to store the pairing result in")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *server == "" {
		return fmt.Errorf("--server is required")
	}
	if *name == "" {
		if host, err := os.Hostname(); err == nil {
			*name = host
		}
	}
	if *deviceID == "" {
		*deviceID = uuid.NewString()
	}
	if *cfgFile == "" {
		*cfgFile = "application.yml"
	}

	api := newHostAPI(*server)

	ticket, err := api.initiate(*name, *deviceID)
	if err != nil {
		return fmt.Errorf("failed to initiate pairing: %w", err)
	}
	fmt.Printf("Pairing started for %q (expires in %ds)\n", *name, ticket.ExpiresInSeconds)
	fmt.Printf("  Pairing code: %s\n", ticket.PairingCode)

	entered := *code
	if entered == "" {
		entered, err = readCode(os.Stdin)
		if err != nil {
			return err
		}
	}

	creds, err := api.verify(ticket.PairingID, entered, *deviceID)
	if err != nil {
		return fmt.Errorf("failed to verify pairing: %w", err)
	}

	paths, err := writeCredentials(*certDir, creds)
	if err != nil {
		return err
	}

	err = updateConfigFile(*cfgFile, "Device paired", map[string]map[string]any{
		"device": {
			"id":         *deviceID,
			"name":       *name,
			"auth_token": creds.AuthToken,
		},
		"tls": {
			"enabled":   true,
			"cert_file": paths.CertFile,
			"key_file":  paths.KeyFile,
			"ca_file":   paths.CAFile,
		},
	})
	if err != nil {
		return err
	}

	fmt.Println("Pairing successful!")
	fmt.Printf("  Device ID: %s\n", *deviceID)
	fmt.Printf("  Cert:      %s\n", paths.CertFile)
	fmt.Printf("  Key:       %s\n", paths.KeyFile)
	fmt.Printf("  CA Cert:   %s\n", paths.CAFile)
	fmt.Printf("  Token expires: %s\n", creds.TokenExpiresAt.Format(time.RFC3339))
	fmt.Printf("  Config:    %s\n", *cfgFile)
	return nil
}

func runRotateToken(args []string) error {
	fs := flag.NewFlagSet("rotate-token", flag.ExitOnError)
	server := fs.String("server", config.Server.HttpURL, "Host HTTP URL")
	cfgFile := fs.String("config", configPath, "Config file holding the device credentials")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if config.Device.ID == "" || config.Device.AuthToken == "" {
		return fmt.Errorf("device is not paired, run the pair command first")
	}
	if *cfgFile == "" {
		return fmt.Errorf("--config is required")
	}

	grant, err := newHostAPI(*server).rotateToken(config.Device.ID, config.Device.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to rotate token: %w", err)
	}

	err = updateConfigFile(*cfgFile, "Auth token rotated", map[string]map[string]any{
		"device": {"auth_token": grant.AuthToken},
	})
	if err != nil {
		return err
	}
	fmt.Printf("Token rotated, expires %s\n", grant.TokenExpiresAt.Format(time.RFC3339))
	return nil
}

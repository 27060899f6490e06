// Command voicedrop-client submits synthesis requests to a running voicedrop
// service, polls their status, and downloads finished audio.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// Flag descriptions.
const (
	flagServerDesc    = "Base URL of the voicedrop service"
	flagMessageDesc   = "Message text to synthesize"
	flagVoiceDesc     = "Voice to synthesize with"
	flagRequesterDesc = "Requester account id"
	flagCreatorDesc   = "Creator account id"
	flagRequestDesc   = "Request id to poll or download"
	flagOutputDesc    = "Output file path for downloaded audio (.mp3)"
	flagWaitDesc      = "After submitting, poll until the request is terminal"
	flagHealthDesc    = "Check service health and exit"
)

// Flag names.
const (
	flagServer    = "server"
	flagMessage   = "message"
	flagVoice     = "voice"
	flagRequester = "requester"
	flagCreator   = "creator"
	flagRequest   = "id"
	flagOutput    = "output"
	flagWait      = "wait"
	flagHealth    = "health"
)

const (
	defaultServerURL  = "http://localhost:8080"
	defaultOutputFile = "output.mp3"
	requestTimeout    = 30 * time.Second
	pollInterval      = 2 * time.Second
	pollBudget        = 5 * time.Minute
	requesterHeader   = "X-Requester-ID"
)

var (
	errNothingToDo      = errors.New("provide --message to submit, --id to poll, or --health")
	errMissingIdentity  = errors.New("--requester and --creator are required to submit")
	errMissingVoice     = errors.New("--voice is required to submit")
	errRequestFailed    = errors.New("service rejected the request")
	errRequestNotDone   = errors.New("request did not reach a terminal state in time")
	errSynthesisFailed  = errors.New("synthesis failed")
	errServiceUnhealthy = errors.New("service is not healthy")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	server    string
	message   string
	voice     string
	requester string
	creator   string
	requestID string
	output    string
	wait      bool
	health    bool
}

type client struct {
	baseURL    string
	httpClient *http.Client
}

type submitResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

type statusResponse struct {
	RequestID string  `json:"requestId"`
	Status    string  `json:"status"`
	AudioURL  *string `json:"audioUrl"`
	Reason    string  `json:"reason"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func main() {
	err := run()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	flags := parseFlags()
	cli := &client{
		baseURL:    flags.server,
		httpClient: &http.Client{Timeout: requestTimeout},
	}

	ctx, cancel := context.WithTimeout(context.Background(), pollBudget)
	defer cancel()

	switch {
	case flags.health:
		return cli.checkHealth(ctx)
	case flags.message != "":
		return handleSubmit(ctx, cli, flags)
	case flags.requestID != "":
		return handlePoll(ctx, cli, flags)
	default:
		flag.Usage()

		return errNothingToDo
	}
}

func parseFlags() appFlags {
	var flags appFlags

	flag.StringVar(&flags.server, flagServer, defaultServerURL, flagServerDesc)
	flag.StringVar(&flags.message, flagMessage, "", flagMessageDesc)
	flag.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	flag.StringVar(&flags.requester, flagRequester, "", flagRequesterDesc)
	flag.StringVar(&flags.creator, flagCreator, "", flagCreatorDesc)
	flag.StringVar(&flags.requestID, flagRequest, "", flagRequestDesc)
	flag.StringVar(&flags.output, flagOutput, defaultOutputFile, flagOutputDesc)
	flag.BoolVar(&flags.wait, flagWait, false, flagWaitDesc)
	flag.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flag.Parse()

	return flags
}

func handleSubmit(ctx context.Context, cli *client, flags appFlags) error {
	if flags.requester == "" || flags.creator == "" {
		return errMissingIdentity
	}

	if flags.voice == "" {
		return errMissingVoice
	}

	accepted, err := cli.submit(ctx, flags)
	if err != nil {
		return err
	}

	fmt.Printf("Accepted: %s (%s)\n", accepted.RequestID, accepted.Status)

	if !flags.wait {
		return nil
	}

	flags.requestID = accepted.RequestID

	return handlePoll(ctx, cli, flags)
}

// handlePoll polls the request until it is terminal, then downloads the audio
// for a completed request.
func handlePoll(ctx context.Context, cli *client, flags appFlags) error {
	final, err := cli.awaitTerminal(ctx, flags.requestID)
	if err != nil {
		return err
	}

	if final.Status == "failed" {
		return fmt.Errorf("%w: %s", errSynthesisFailed, final.Reason)
	}

	if flags.requester == "" {
		// Without a caller identity the download surface would refuse;
		// report the URL instead.
		fmt.Printf("Completed: %s\n", valueOrEmpty(final.AudioURL))

		return nil
	}

	err = cli.download(ctx, flags.requestID, flags.requester, flags.output)
	if err != nil {
		return err
	}

	fmt.Printf("Saved: %s\n", flags.output)

	return nil
}

func (c *client) submit(ctx context.Context, flags appFlags) (*submitResponse, error) {
	payload, err := json.Marshal(map[string]string{
		"requesterId": flags.requester,
		"creatorId":   flags.creator,
		"message":     flags.message,
		"voice":       flags.voice,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/requests", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build submission request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to submit request: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		return nil, decodeServiceError(resp)
	}

	var accepted submitResponse

	err = json.NewDecoder(resp.Body).Decode(&accepted)
	if err != nil {
		return nil, fmt.Errorf("failed to decode submission response: %w", err)
	}

	return &accepted, nil
}

func (c *client) status(ctx context.Context, requestID string) (*statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/requests/"+requestID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch status: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeServiceError(resp)
	}

	var status statusResponse

	err = json.NewDecoder(resp.Body).Decode(&status)
	if err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}

	return &status, nil
}

func (c *client) awaitTerminal(ctx context.Context, requestID string) (*statusResponse, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.status(ctx, requestID)
		if err != nil {
			return nil, err
		}

		if status.Status == "completed" || status.Status == "failed" {
			return status, nil
		}

		fmt.Printf("Status: %s\n", status.Status)

		select {
		case <-ctx.Done():
			return nil, errRequestNotDone
		case <-ticker.C:
		}
	}
}

func (c *client) download(ctx context.Context, requestID, requester, outputPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/requests/"+requestID+"/audio", nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}

	req.Header.Set(requesterHeader, requester)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download audio: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return decodeServiceError(resp)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read audio body: %w", err)
	}

	err = os.WriteFile(outputPath, audioData, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write audio to '%s': %w", outputPath, err)
	}

	return nil
}

func (c *client) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", errServiceUnhealthy, resp.StatusCode)
	}

	fmt.Println("Service is healthy")

	return nil
}

func decodeServiceError(resp *http.Response) error {
	var serviceErr errorResponse

	err := json.NewDecoder(resp.Body).Decode(&serviceErr)
	if err != nil || serviceErr.Message == "" {
		return fmt.Errorf("%w: status %d", errRequestFailed, resp.StatusCode)
	}

	return fmt.Errorf("%w: %s (%s)", errRequestFailed, serviceErr.Message, serviceErr.Code)
}

func valueOrEmpty(value *string) string {
	if value == nil {
		return ""
	}

	return *value
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/cuemby/miru-agent/internal/app"
	"github.com/cuemby/miru-agent/internal/config"
	"github.com/cuemby/miru-agent/internal/crypt"
	"github.com/cuemby/miru-agent/internal/fsys"
	"github.com/cuemby/miru-agent/internal/httpclient"
	"github.com/cuemby/miru-agent/internal/log"
	"github.com/cuemby/miru-agent/internal/security"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "miru-installer [backend_url] [mqtt_host]",
	Short:   "One-shot interactive activation for the miru-agent daemon",
	Args:    cobra.MaximumNArgs(2),
	Version: Version,
	RunE:    runInstall,
}

func init() {
	cobra.OnInitialize(func() { log.Init(log.Config{Level: log.InfoLevel}) })
	rootCmd.Flags().BoolP("version", "v", false, "print the version and exit")
}

func runInstall(cmd *cobra.Command, args []string) error {
	backendBaseURL := "https://configs.api.miruml.com/agent/v1"
	if len(args) > 0 {
		backendBaseURL = args[0]
	} else if err := survey.AskOne(&survey.Input{
		Message: "Backend base URL:",
		Default: backendBaseURL,
	}, &backendBaseURL); err != nil {
		return err
	}

	// mqtt_host is accepted for command-line compatibility but the push
	// channel it would configure is a deliberate non-goal: the agent polls.
	var mqttHost string
	if len(args) > 1 {
		mqttHost = args[1]
		log.Logger.Warn().Str("mqtt_host", mqttHost).Msg("installer: mqtt_host accepted but ignored, the agent only polls")
	}

	var activationJWT string
	if err := survey.AskOne(&survey.Password{
		Message: "Paste the activation JWT issued for this device:",
	}, &activationJWT, survey.WithValidator(survey.Required), survey.WithValidator(validateJWT)); err != nil {
		return err
	}

	deviceID, err := crypt.ExtractDeviceID(activationJWT)
	if err != nil {
		return fmt.Errorf("read device id from activation jwt: %w", err)
	}

	root := config.Root()
	layout := app.StorageLayout{Root: root}

	keyStore := security.NewKeyStore(layout.AuthDir())
	if _, err := keyStore.LoadOrGenerate(); err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}

	pubPEM, err := keyStore.PublicKeyPEM()
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}

	client := httpclient.New(backendBaseURL, nil)
	device, err := client.Activate(context.Background(), deviceID, httpclient.ActivateRequest{
		PublicKeyPEM: pubPEM,
		AgentVersion: Version,
	}, activationJWT)
	if err != nil {
		return fmt.Errorf("activate device: %w", err)
	}

	if err := fsys.WriteJSONAtomic(layout.DeviceFile(), device, 0o644); err != nil {
		return fmt.Errorf("write device file: %w", err)
	}

	agent := config.Agent{
		DeviceID:       device.DeviceID,
		Name:           device.Name,
		Activated:      true,
		BackendBaseURL: backendBaseURL,
		LogLevel:       log.InfoLevel,
	}
	if err := config.Save(root, agent); err != nil {
		return fmt.Errorf("write agent file: %w", err)
	}

	fmt.Printf("Device %s activated against %s\n", device.DeviceID, backendBaseURL)
	return nil
}

// validateJWT rejects a pasted token early, before any network call, if it
// isn't a well-formed JWT carrying the claims the backend requires.
func validateJWT(ans any) error {
	token, ok := ans.(string)
	if !ok {
		return fmt.Errorf("unexpected answer type %T", ans)
	}
	_, err := crypt.DecodeJWTClaims(token)
	return err
}

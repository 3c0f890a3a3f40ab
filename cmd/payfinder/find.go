package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vitwit/payfinder"
	"github.com/vitwit/payfinder/inventory"
	"github.com/vitwit/payfinder/logger"
	"github.com/vitwit/payfinder/readiness"
	"github.com/vitwit/payfinder/types"
	"github.com/vitwit/payfinder/webapp"
)

type findOptions struct {
	configPath    string
	inventoryPath string
	handlersPath  string
	logLevel      string
	methods       []string
	origin        string
	twaPackage    string
	offTheRecord  bool
	shipping      bool
	readyToPay    map[string]string
}

// appView is the printed form of a payment app.
type appView struct {
	Identifier            string           `json:"identifier"`
	Label                 string           `json:"label"`
	Source                string           `json:"source"`
	Methods               []types.MethodID `json:"methods"`
	Preferred             bool             `json:"preferred,omitempty"`
	HideTarget            string           `json:"hideTarget,omitempty"`
	HasEnrolledInstrument bool             `json:"hasEnrolledInstrument"`
}

type resultView struct {
	CanMakePayment bool                     `json:"canMakePayment"`
	Apps           []appView                `json:"apps"`
	Errors         []types.AppCreationError `json:"errors,omitempty"`
}

type handlersFile struct {
	Handlers []webapp.Handler `yaml:"handlers"`
}

func newFindCommand() *cobra.Command {
	o := &findOptions{}
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Find the payment apps for the given methods",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runFind(ctx, cmd, o)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "YAML configuration file")
	f.StringVarP(&o.inventoryPath, "inventory", "i", "", "YAML file listing installed apps")
	f.StringVar(&o.handlersPath, "handlers", "", "YAML file listing installed web payment handlers")
	f.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.StringSliceVarP(&o.methods, "method", "m", nil, "requested payment method, repeatable")
	f.StringVar(&o.origin, "origin", "https://merchant.example", "top level and payment request origin")
	f.StringVar(&o.twaPackage, "twa", "", "package name of the enclosing Trusted Web Activity")
	f.BoolVar(&o.offTheRecord, "off-the-record", false, "run as an off the record profile")
	f.BoolVar(&o.shipping, "request-shipping", false, "request a shipping address")
	f.StringToStringVar(&o.readyToPay, "ready-to-pay", nil, "package=baseURL of ready to pay services")
	_ = cmd.MarkFlagRequired("method")

	return cmd
}

func runFind(ctx context.Context, cmd *cobra.Command, o *findOptions) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	log := logger.NewZapLogger(cfg.WithDefaults().LogLevel)

	opts := []payfinder.Option{payfinder.WithLogger(log)}
	if o.inventoryPath != "" {
		inv, err := inventory.LoadFile(o.inventoryPath)
		if err != nil {
			return err
		}
		opts = append(opts, payfinder.WithPackageManager(inv))
	}
	if len(o.readyToPay) > 0 {
		client := readiness.NewClient(readiness.NewHTTPConnector(o.readyToPay),
			readiness.WithTimeout(cfg.WithDefaults().ReadyToPayTimeout),
			readiness.WithLogger(log),
		)
		opts = append(opts, payfinder.WithReadinessChecker(client))
	}

	pf, err := payfinder.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer pf.Close()

	if o.handlersPath != "" {
		if err := registerHandlers(pf, o.handlersPath); err != nil {
			return err
		}
	}

	params := &types.FactoryParams{
		MethodData:           make(map[string]types.MethodData, len(o.methods)),
		TopLevelOrigin:       o.origin,
		PaymentRequestOrigin: o.origin,
		TwaPackageName:       o.twaPackage,
		OffTheRecord:         o.offTheRecord,
		RequestShipping:      o.shipping,
	}
	for _, m := range o.methods {
		params.MethodData[m] = types.MethodData{SupportedMethod: m}
	}

	res, err := pf.FindPaymentApps(ctx, params)
	if err != nil {
		return err
	}

	view := resultView{CanMakePayment: res.CanMakePayment, Apps: []appView{}, Errors: res.Errors}
	for _, a := range res.Apps {
		view.Apps = append(view.Apps, appView{
			Identifier:            a.Identifier,
			Label:                 a.Label,
			Source:                a.Source,
			Methods:               a.Methods(),
			Preferred:             a.Preferred,
			HideTarget:            a.HideTarget,
			HasEnrolledInstrument: a.HasEnrolledInstrument,
		})
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

func loadConfig(path string) (*types.Config, error) {
	cfg := types.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewError(types.ErrConfigError, "unable to read config", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, types.NewError(types.ErrConfigError, "unable to parse config", err)
	}
	return cfg, nil
}

func registerHandlers(pf *payfinder.PayFinder, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read handlers file: %w", err)
	}
	var file handlersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse handlers file: %w", err)
	}
	for _, h := range file.Handlers {
		if err := pf.RegisterWebHandler(h); err != nil {
			return err
		}
	}
	return nil
}

package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"floorescrow/internal/escrow"
	"floorescrow/internal/hmacauth"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "floorctl",
		Short:         "Floor-price escrow operator tools",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.AddCommand(
		deriveIDCmd(),
		decodeCmd(),
		winnerCmd(),
		signCmd(),
	)
	return cmd
}

func deriveIDCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "derive-id",
		Short: "Print the record key for a creator and label",
		RunE: func(cmd *cobra.Command, args []string) error {
			creatorHex, _ := cmd.Flags().GetString("creator")
			label, _ := cmd.Flags().GetString("label")
			creator, err := escrow.ParseIdentity(creatorHex)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), escrow.DeriveID(creator, label).Hex())
			return nil
		},
	}
	cmd.Flags().String("creator", "", "creator identity (0x-prefixed, 32 bytes)")
	cmd.Flags().String("label", "", "optional label distinguishing concurrent escrows")
	_ = cmd.MarkFlagRequired("creator")
	return cmd
}

type decodedRecord struct {
	Creator        escrow.Identity  `json:"creator"`
	Counterparty   *escrow.Identity `json:"counterparty"`
	AssetID        string           `json:"assetId"`
	PredictedValue uint64           `json:"predictedValue,string"`
	ExpiryTime     int64            `json:"expiryTime"`
	Collateral     uint64           `json:"collateral,string"`
	Profit         uint64           `json:"profit,string"`
	Initialized    bool             `json:"initialized"`
	Settled        bool             `json:"settled"`
	Winner         *escrow.Identity `json:"winner"`
	ObservedValue  uint64           `json:"observedValue,string"`
	HeldBalance    uint64           `json:"heldBalance,string"`
}

func decodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <hex>",
		Short: "Decode a serialized escrow record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hexutil.Decode(ensure0x(args[0]))
			if err != nil {
				return fmt.Errorf("decode hex: %w", err)
			}
			rec, err := escrow.UnmarshalRecord(raw)
			if err != nil {
				return err
			}
			held, err := rec.HeldBalance()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(decodedRecord{
				Creator:        rec.Creator,
				Counterparty:   rec.Counterparty,
				AssetID:        rec.AssetID,
				PredictedValue: rec.PredictedValue,
				ExpiryTime:     rec.ExpiryTime,
				Collateral:     rec.Collateral,
				Profit:         rec.Profit,
				Initialized:    rec.Initialized,
				Settled:        rec.Settled,
				Winner:         rec.Winner,
				ObservedValue:  rec.ObservedValue,
				HeldBalance:    held,
			})
		},
	}
}

func winnerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "winner",
		Short: "Show which side a predicted/observed pair pays",
		RunE: func(cmd *cobra.Command, args []string) error {
			predicted, _ := cmd.Flags().GetUint64("predicted")
			observed, _ := cmd.Flags().GetUint64("observed")
			outcome := escrow.Classify(predicted, observed)
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", outcome.Winner(), outcome)
			return nil
		},
	}
	cmd.Flags().Uint64("predicted", 0, "creator's predicted value")
	cmd.Flags().Uint64("observed", 0, "observed floor value")
	_ = cmd.MarkFlagRequired("predicted")
	_ = cmd.MarkFlagRequired("observed")
	return cmd
}

func signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print the HMAC headers for an API request",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			method, _ := cmd.Flags().GetString("method")
			path, _ := cmd.Flags().GetString("path")
			body, _ := cmd.Flags().GetString("body")
			ts, _ := cmd.Flags().GetInt64("timestamp")
			if strings.TrimSpace(secret) == "" {
				return fmt.Errorf("secret is required")
			}
			if ts == 0 {
				ts = time.Now().Unix()
			}
			tsStr := strconv.FormatInt(ts, 10)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", hmacauth.HeaderTimestamp, tsStr)
			fmt.Fprintf(out, "%s: %s\n", hmacauth.HeaderSignature, hmacauth.Sign(secret, tsStr, method, path, []byte(body)))
			return nil
		},
	}
	cmd.Flags().String("secret", "", "shared HMAC secret")
	cmd.Flags().String("method", "GET", "HTTP method")
	cmd.Flags().String("path", "/api/v1/health", "request path")
	cmd.Flags().String("body", "", "request body")
	cmd.Flags().Int64("timestamp", 0, "unix timestamp (defaults to now)")
	return cmd
}

func ensure0x(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}

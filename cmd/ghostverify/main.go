// Command ghostverify is a standalone tool for auditing ghostd output.
//
// It reads the ledger database and exported artifacts directly, without a
// running daemon, making it suitable for:
// - Offline audits of a submitted session
// - Automated verification pipelines
// - Third-party review of receipts and clip manifests
//
// Usage:
//
//	ghostverify chain -db chain.db [-start N] [-end N]
//	ghostverify receipt -db chain.db session.receipt.json
//	ghostverify manifest match.clip.json
//
// Examples:
//
//	# Verify the full ledger
//	ghostverify chain -db chain.db
//
//	# Verify a receipt against the ledger it was issued over
//	ghostverify receipt -db chain.db abc123.receipt.json
//
//	# Structural check of a clip manifest
//	ghostverify manifest match-000001.clip.json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"ghostd/internal/chain"
	"ghostd/internal/clip"
	"ghostd/internal/receipt"
	"ghostd/internal/schema"
	"ghostd/internal/signer"
	"ghostd/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "chain":
		err = cmdChain(os.Args[2:])
	case "receipt":
		err = cmdReceipt(os.Args[2:])
	case "manifest":
		err = cmdManifest(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "ghostverify: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`ghostverify - Audit ghostd ledgers, receipts, and clip manifests

USAGE:
    ghostverify <command> [options]

COMMANDS:
    chain     Verify ledger hash linkage over a block range
    receipt   Verify an exported session receipt against the ledger
    manifest  Validate a clip manifest structurally
    help      Show this help message`)
}

func cmdChain(args []string) error {
	fs := flag.NewFlagSet("chain", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to the ledger database")
	start := fs.Uint64("start", 0, "first block index to check")
	end := fs.Uint64("end", 0, "last block index to check (default: head)")
	hashName := fs.String("hash", "", "block hash: sha256 or blake2b-256 (default sha256)")
	jsonOut := fs.Bool("json", false, "JSON output")
	fs.Parse(args)

	if *dbPath == "" {
		return fmt.Errorf("chain: -db is required")
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer st.Close()

	last, ok, err := st.LastFlushed()
	if err != nil {
		return fmt.Errorf("read ledger head: %w", err)
	}
	if !ok {
		return fmt.Errorf("ledger is empty")
	}
	if *end == 0 || *end > last {
		*end = last
	}

	hasher, err := chain.NewHasher(*hashName)
	if err != nil {
		return err
	}

	res, err := chain.VerifyRange(st, hasher, *start, *end)
	if err != nil {
		return err
	}

	if *jsonOut {
		return printJSON(res)
	}
	if res.Valid {
		fmt.Printf("OK: %d blocks verified [%d, %d]\n", res.Checked, *start, *end)
		return nil
	}
	fmt.Printf("FAIL: block %d: %s (%d blocks verified before failure)\n",
		res.FirstBadIndex, res.Reason, res.Checked)
	os.Exit(1)
	return nil
}

func cmdReceipt(args []string) error {
	fs := flag.NewFlagSet("receipt", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to the ledger database")
	pubKeyPath := fs.String("pubkey", "", "verify the signature against this public key")
	jsonOut := fs.Bool("json", false, "JSON output")
	fs.Parse(args)

	if *dbPath == "" || fs.NArg() < 1 {
		return fmt.Errorf("receipt: -db and a receipt file are required")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("read receipt: %w", err)
	}
	if err := schema.ValidateReceipt(data); err != nil {
		return fmt.Errorf("receipt is malformed: %w", err)
	}
	r, err := receipt.Decode(data)
	if err != nil {
		return err
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer st.Close()

	svc := receipt.NewService(st)
	res, err := svc.Verify(r)
	if err != nil {
		return err
	}

	if *pubKeyPath != "" {
		pub, err := signer.LoadPublicKey(*pubKeyPath)
		if err != nil {
			return fmt.Errorf("load public key: %w", err)
		}
		if !signer.Verify(pub, r.RootHash, r.Signature) {
			res.Valid = false
			res.SignatureValid = false
			res.Reason = "signature does not match supplied public key"
		}
	}

	if *jsonOut {
		return printJSON(res)
	}
	if res.Valid {
		fmt.Printf("OK: receipt for session %s covers [%d, %d], digest %s\n",
			r.SessionID, r.StartIndex, r.EndIndex, r.RootHashHex())
		return nil
	}
	fmt.Printf("FAIL: %s\n", res.Reason)
	os.Exit(1)
	return nil
}

func cmdManifest(args []string) error {
	fs := flag.NewFlagSet("manifest", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "JSON output")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("manifest: a manifest file is required")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	if err := schema.ValidateManifest(data); err != nil {
		return fmt.Errorf("manifest is malformed: %w", err)
	}
	m, err := clip.DecodeManifest(data)
	if err != nil {
		return err
	}

	if *jsonOut {
		return printJSON(m)
	}
	fmt.Printf("OK: %s clip for session %s, events [%d, %d], ledger [%d, %d]\n",
		m.FlagKind, m.SessionID,
		m.EventRange.Start, m.EventRange.End,
		m.ChainExcerpt.Start, m.ChainExcerpt.End)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

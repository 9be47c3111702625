package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/hnoh/mtpconn/commons/config"
	"github.com/hnoh/mtpconn/commons/logger"
	"github.com/hnoh/mtpconn/commons/metrics"
	"github.com/hnoh/mtpconn/conn"
	"github.com/hnoh/mtpconn/obfs"
	"github.com/hnoh/mtpconn/profile"
	cborprofile "github.com/hnoh/mtpconn/profile/cbor"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "secretgen":
		runSecretgen(os.Args[2:])
	case "probe":
		runProbe(os.Args[2:])
	case "profile-cbor":
		runProfileCBOR(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: mtpconn <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  secretgen     Generate an obfuscation secret")
	fmt.Fprintln(os.Stderr, "  probe         Confirm a profile's transport and report RTT")
	fmt.Fprintln(os.Stderr, "  profile-cbor  Encode/decode profile CBOR")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Examples:")
	fmt.Fprintln(os.Stderr, "  mtpconn secretgen")
	fmt.Fprintln(os.Stderr, "  mtpconn probe -profile dc2.json -count 5")
	fmt.Fprintln(os.Stderr, "  mtpconn profile-cbor -in dc2.json -out dc2.cbor")
	fmt.Fprintln(os.Stderr, "  mtpconn profile-cbor -decode -in dc2.cbor -out dc2.json")
}

func runSecretgen(args []string) {
	fs := flag.NewFlagSet("secretgen", flag.ExitOnError)
	_ = fs.Parse(args)

	secret := make([]byte, obfs.SecretSize)
	if _, err := rand.Read(secret); err != nil {
		fatalf("secretgen failed: %v", err)
	}
	fmt.Printf("secret=%s\n", base64.StdEncoding.EncodeToString(secret))
}

func runProbe(args []string) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	profilePath := fs.String("profile", "", "connection profile JSON file")
	count := fs.Int("count", 1, "number of probe rounds")
	timeout := fs.Duration("timeout", 30*time.Second, "per-round timeout")
	logLevel := fs.String("log-level", "info", "log level")
	_ = fs.Parse(args)

	logger.Setup(*logLevel)

	if *profilePath == "" {
		fatalf("probe: -profile is required")
	}
	var prof profile.Profile
	if err := config.LoadJSONFile(*profilePath, &prof); err != nil {
		fatalf("probe: %v", err)
	}
	if err := prof.Validate(); err != nil {
		fatalf("probe: %v", err)
	}
	if *count < 1 {
		*count = 1
	}

	sampler := metrics.NewLatencySampler(*count)
	for i := 0; i < *count; i++ {
		rtt, err := probeOnce(&prof, *timeout)
		if err != nil {
			fatalf("probe round %d: %v", i+1, err)
		}
		fmt.Printf("round %d: rtt=%s\n", i+1, rtt)
		sampler.Add(rtt)
	}

	if *count > 1 {
		q := sampler.SnapshotQuantiles([]float64{0.5, 0.9, 1})
		fmt.Printf("rtt p50=%s p90=%s max=%s\n", q[0.5], q[0.9], q[1])
	}
}

func probeOnce(prof *profile.Profile, timeout time.Duration) (time.Duration, error) {
	sock, err := prof.Socket()
	if err != nil {
		return 0, err
	}
	secret, err := prof.SecretBytes()
	if err != nil {
		return 0, err
	}
	floor, ceiling := prof.RetryBounds()

	connected := make(chan struct{}, 1)
	failed := make(chan int32, 1)
	c := conn.New(conn.Options{
		Socket:       sock,
		RetryFloor:   floor,
		RetryCeiling: ceiling,
		Handler: conn.Handler{
			OnConnected: func() {
				select {
				case connected <- struct{}{}:
				default:
				}
			},
			OnError: func(code int32) {
				select {
				case failed <- code:
				default:
				}
			},
		},
	})
	defer c.Disconnect()

	c.Connect(prof.Address, prof.Port, secret, prof.DCID)
	select {
	case <-connected:
		return c.RoundTripTime(), nil
	case code := <-failed:
		return 0, fmt.Errorf("transport error %d", code)
	case <-time.After(timeout):
		return 0, fmt.Errorf("timed out after %s", timeout)
	}
}

func runProfileCBOR(args []string) {
	fs := flag.NewFlagSet("profile-cbor", flag.ExitOnError)
	decode := fs.Bool("decode", false, "decode CBOR into JSON")
	inPath := fs.String("in", "", "input file (defaults to stdin)")
	outPath := fs.String("out", "", "output file (defaults to stdout)")
	base64Mode := fs.Bool("base64", false, "read/write base64-wrapped CBOR")
	_ = fs.Parse(args)

	input, err := readInput(*inPath)
	if err != nil {
		fatalf("profile-cbor read input: %v", err)
	}

	if *decode {
		if *base64Mode {
			input, err = decodeBase64(input)
			if err != nil {
				fatalf("profile-cbor decode base64: %v", err)
			}
		}
		prof, err := cborprofile.Decode(input)
		if err != nil {
			fatalf("profile-cbor decode: %v", err)
		}
		out, err := marshalJSON(prof)
		if err != nil {
			fatalf("profile-cbor encode json: %v", err)
		}
		if err := writeOutput(*outPath, out); err != nil {
			fatalf("profile-cbor write output: %v", err)
		}
		return
	}

	var prof profile.Profile
	if err := config.DecodeJSON(input, &prof); err != nil {
		fatalf("profile-cbor parse json: %v", err)
	}
	out, err := cborprofile.Encode(&prof)
	if err != nil {
		fatalf("profile-cbor encode: %v", err)
	}
	if *base64Mode {
		out = encodeBase64(out)
	}
	if err := writeOutput(*outPath, out); err != nil {
		fatalf("profile-cbor write output: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// obcctl prints credentials for the auth section of the config.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/KevinKickass/OpenBeamlineCore/internal/auth"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: obcctl hash-password [--password PW] | gen-api-key")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "hash-password":
		fs := flag.NewFlagSet("hash-password", flag.ExitOnError)
		password := fs.StringP("password", "p", "", "password to hash, read from stdin when empty")
		_ = fs.Parse(os.Args[2:])

		pw := *password
		if pw == "" {
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				fmt.Fprintf(os.Stderr, "read password: %v\n", err)
				os.Exit(1)
			}
			pw = strings.TrimRight(line, "\r\n")
		}
		hash, err := auth.NewPasswordHasher(auth.DefaultHashParams).HashPassword(pw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)

	case "gen-api-key":
		key, hash, err := auth.GenerateAPIKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("key:        %s\ntoken_hash: %s\n", key, hash)

	default:
		usage()
	}
}

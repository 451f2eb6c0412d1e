// Command walletgen creates receiving wallets for the on-chain payment rails.
// The printed addresses go into TRON_WALLETS / ETH_WALLETS; keep the private
// keys offline.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fbsobreira/gotron-sdk/pkg/address"

	"go-marketpay/payment/db"
	"go-marketpay/payment/provider"
)

func main() {
	network := flag.String("network", db.NetworkTron, "tron or ethereum")
	n := flag.Int("n", 1, "number of wallets")
	flag.Parse()

	for i := 0; i < *n; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			log.Fatalln(err)
		}

		var addr string
		switch *network {
		case db.NetworkTron:
			addr = address.PubkeyToAddress(key.PublicKey).String()
		case db.NetworkEthereum:
			addr = crypto.PubkeyToAddress(key.PublicKey).Hex()
		default:
			log.Fatalf("unknown network %q", *network)
		}
		if err := provider.ValidateAddress(*network, addr); err != nil {
			log.Fatalln(err)
		}

		fmt.Println("🔐 Private Key (hex):", hex.EncodeToString(crypto.FromECDSA(key)))
		fmt.Println("📬 Address:", addr)
	}
}

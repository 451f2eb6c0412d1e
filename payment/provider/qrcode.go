package provider

import (
	"encoding/base64"
	"fmt"

	"github.com/shopspring/decimal"
	qrcode "github.com/skip2/go-qrcode"

	"go-marketpay/payment/db"
)

// PaymentURI encodes address and amount the way wallets on network expect.
func PaymentURI(network, address string, amount decimal.Decimal) string {
	if network == db.NetworkEthereum {
		return fmt.Sprintf("ethereum:%s@1?value=%s", address, amount.String())
	}
	return fmt.Sprintf("tron:%s?amount=%s", address, amount.String())
}

// QRCode renders uri as a PNG data URI.
func QRCode(uri string) (string, error) {
	png, err := qrcode.Encode(uri, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("qrcode: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

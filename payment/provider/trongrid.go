package provider

// trc20Response is the TronGrid /v1/accounts/{address}/transactions/trc20 answer.
type trc20Response struct {
	Data    []trc20Transfer `json:"data"`
	Success bool            `json:"success"`
	Meta    struct {
		At       int64 `json:"at"`
		PageSize int   `json:"page_size"`
	} `json:"meta"`
}

type trc20Transfer struct {
	TransactionID  string `json:"transaction_id"`
	BlockTimestamp int64  `json:"block_timestamp"` // ms
	From           string `json:"from"`
	To             string `json:"to"`
	Type           string `json:"type"`
	Value          string `json:"value"`
	TokenInfo      struct {
		Symbol   string `json:"symbol"`
		Address  string `json:"address"`
		Decimals int32  `json:"decimals"`
	} `json:"token_info"`
}

// tokenTxResponse is the Etherscan module=account&action=tokentx answer.
type tokenTxResponse struct {
	Status  string    `json:"status"`
	Message string    `json:"message"`
	Result  []tokenTx `json:"result"`
}

type tokenTx struct {
	Hash          string `json:"hash"`
	BlockNumber   string `json:"blockNumber"`
	TimeStamp     string `json:"timeStamp"` // s
	From          string `json:"from"`
	To            string `json:"to"`
	Value         string `json:"value"`
	TokenDecimal  string `json:"tokenDecimal"`
	Confirmations string `json:"confirmations"`
}

package tron

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/resourcerent/pkg/errors"
)

const monitored = "TLsV52sRDL79HXGGm9yzwKibb6BeruhUzy"

func newTestClient(t *testing.T, handler http.Handler, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Params{
		Network:        "nile",
		BaseURL:        srv.URL,
		APIKey:         "key-1",
		TokenContract:  token,
		RequestsPerSec: 1000,
		Burst:          100,
	})
	require.NoError(t, err)
	return client
}

func TestRecentTransactionsMergesTokenTransfers(t *testing.T) {
	now := time.Now()
	data, err := EncodeTRC20Transfer(monitored, uint256.NewInt(5_000_000))
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts/"+monitored+"/transactions", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "key-1", r.Header.Get(apiKeyHeader))
		require.Equal(t, "20", r.URL.Query().Get("limit"))
		fmt.Fprintf(w, `{"success":true,"data":[
			{"txID":"native-1","blockNumber":10,"block_timestamp":%d,"raw_data":{"contract":[{"type":"TransferContract","parameter":{"value":{"amount":1000000,"owner_address":"41aa","to_address":"41bb"}}}]}},
			{"internal_tx_id":"ignored"}
		]}`, now.Add(-20*time.Second).UnixMilli())
	})
	mux.HandleFunc("/v1/accounts/"+monitored+"/transactions/trc20", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, usdtBase58, r.URL.Query().Get("contract_address"))
		fmt.Fprintf(w, `{"success":true,"data":[
			{"transaction_id":"token-1","block_timestamp":%d,"type":"Transfer","value":"5000000"},
			{"transaction_id":"token-old","block_timestamp":%d,"type":"Transfer","value":"1"}
		]}`, now.Add(-5*time.Second).UnixMilli(), now.Add(-time.Hour).UnixMilli())
	})
	mux.HandleFunc("/wallet/gettransactionbyid", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "token-1", body["value"], "old token transfers must not be fetched")
		fmt.Fprintf(w, `{"txID":"token-1","ret":[{"contractRet":"SUCCESS"}],"raw_data":{"contract":[{"type":"TriggerSmartContract","parameter":{"value":{"data":"%s","owner_address":"41aa","contract_address":"%s"}}}]}}`, data, usdtHex)
	})

	client := newTestClient(t, mux, usdtBase58)
	txs, err := client.RecentTransactions(context.Background(), monitored, 20, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, "token-1", txs[0].TxID, "newest first")
	require.Equal(t, "native-1", txs[1].TxID)
	require.Equal(t, ContractTypeTriggerSmart, txs[0].RawData.Contract[0].Type)
}

func TestAccountResources(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/wallet/getaccountresource", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"EnergyLimit":500,"EnergyUsed":100,"NetLimit":10,"NetUsed":2,"freeNetLimit":600,"TotalEnergyLimit":1000,"TotalEnergyWeight":100}`)
	})
	mux.HandleFunc("/wallet/getaccount", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"balance":42000000,"frozenV2":[{"amount":3000000},{"type":"ENERGY","amount":9000000}],"account_resource":{"delegated_frozenV2_balance_for_energy":2000000}}`)
	})

	client := newTestClient(t, mux, "")
	res, err := client.AccountResources(context.Background(), monitored)
	require.NoError(t, err)
	require.Equal(t, int64(11_000_000), res.StakedSun)
	require.Equal(t, int64(2_000_000), res.DelegatedOutSun)
	require.Equal(t, int64(90), res.DelegatableEnergy())
	require.Equal(t, int64(400), res.AvailableEnergy())
	require.Equal(t, int64(42_000_000), res.BalanceSun)
}

func TestBuildDelegationAndBroadcast(t *testing.T) {
	var broadcastBody map[string]json.RawMessage
	mux := http.NewServeMux()
	mux.HandleFunc("/wallet/delegateresource", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "ENERGY", body["resource"])
		require.Equal(t, true, body["lock"])
		require.EqualValues(t, 1200, body["lock_period"])
		io.WriteString(w, `{"visible":true,"txID":"`+fmt.Sprintf("%064x", 7)+`","raw_data":{"contract":[],"ref_block_num":5},"raw_data_hex":"0a02"}`)
	})
	mux.HandleFunc("/wallet/broadcasttransaction", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&broadcastBody))
		io.WriteString(w, `{"result":true,"txid":"`+fmt.Sprintf("%064x", 7)+`"}`)
	})

	client := newTestClient(t, mux, "")
	tx, err := client.BuildDelegation(context.Background(), DelegateRequest{
		Owner: usdtBase58, Receiver: monitored, BalanceSun: 7_000_000, Lock: true, LockPeriod: 1200,
	})
	require.NoError(t, err)

	res, err := client.Broadcast(context.Background(), tx, []byte{0xde, 0xad})
	require.NoError(t, err)
	require.True(t, res.Result)
	require.JSONEq(t, `["dead"]`, string(broadcastBody["signature"]))
	require.JSONEq(t, `{"contract":[],"ref_block_num":5}`, string(broadcastBody["raw_data"]), "raw data must be forwarded untouched")
}

func TestBroadcastRejectionClassification(t *testing.T) {
	cases := []struct {
		name    string
		code    string
		message string
		want    errors.Code
	}{
		{name: "balance", code: "CONTRACT_VALIDATE_ERROR", message: "Validate DelegateResourceContract error, balance is not sufficient", want: errors.CodeInsufficientBalance},
		{name: "capacity hex", code: "CONTRACT_VALIDATE_ERROR", message: fmt.Sprintf("%x", "delegateBalance must be less than or equal to available FreezeEnergyV2 balance"), want: errors.CodeInsufficientCapacity},
		{name: "busy", code: "SERVER_BUSY", message: "", want: errors.CodeDependency},
		{name: "other validation", code: "SIGERROR", message: "bad sig", want: errors.CodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/wallet/broadcasttransaction", func(w http.ResponseWriter, _ *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{"result": false, "code": tc.code, "message": tc.message})
			})
			client := newTestClient(t, mux, "")
			_, err := client.Broadcast(context.Background(), UnsignedTransaction{TxID: "x", Body: json.RawMessage(`{}`)}, []byte{1})
			require.Error(t, err)
			require.Equal(t, tc.want, errors.CodeOf(err))
		})
	}
}

func TestBroadcastDuplicateIsAccepted(t *testing.T) {
	txID := fmt.Sprintf("%064x", 9)
	mux := http.NewServeMux()
	mux.HandleFunc("/wallet/broadcasttransaction", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": false, "code": "DUP_TRANSACTION_ERROR", "message": ""})
	})
	client := newTestClient(t, mux, "")

	res, err := client.Broadcast(context.Background(), UnsignedTransaction{TxID: txID, Body: json.RawMessage(`{}`)}, []byte{1})
	require.NoError(t, err)
	require.True(t, res.Result)
	require.Equal(t, txID, res.TxID)
}

func TestHTTPStatusClassification(t *testing.T) {
	status := http.StatusBadGateway
	mux := http.NewServeMux()
	mux.HandleFunc("/wallet/gettransactioninfobyid", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	})
	client := newTestClient(t, mux, "")

	_, err := client.TransactionInfo(context.Background(), "abc")
	require.True(t, errors.IsRetryable(err))

	status = http.StatusBadRequest
	_, err = client.TransactionInfo(context.Background(), "abc")
	require.Equal(t, errors.CodeValidation, errors.CodeOf(err))
	require.False(t, errors.IsRetryable(err))
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Params{Network: "nile", BaseURL: "not a url"})
	require.Error(t, err)
	_, err = NewClient(Params{BaseURL: "https://nile.trongrid.io"})
	require.Error(t, err)
	_, err = NewClient(Params{Network: "nile", BaseURL: "https://nile.trongrid.io", TokenContract: "bogus"})
	require.Error(t, err)
}

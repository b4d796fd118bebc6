package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/fare-wallet/internal/scanning"
)

// stubScanner reads the same code out of every frame
type stubScanner struct {
	code string
	err  error
}

func (s *stubScanner) ScanCode(imageData []byte, contentType string) (string, error) {
	return s.code, s.err
}

func (s *stubScanner) Close() error {
	return nil
}

var _ = Describe("Server", func() {
	var (
		refs        *mockReferenceStore
		wallets     *mockWalletStore
		settler     *mockSettler
		tokenStore  *mockTokenStore
		scanner     *stubScanner
		session     *Session
		deps        ServerDeps
		auth        BasicAuth
		server      *Server
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		refs = newMockReferenceStore()
		refs.tokens[driverPayload] = &TokenRecord{
			ID:      "t1",
			OwnerID: "d1",
			Payload: driverPayload,
			Active:  true,
			Service: &ServiceProfile{TicketFee: decimal.NewFromInt(300)},
		}
		wallets = &mockWalletStore{wallet: WalletSnapshot{Balance: decimal.NewFromInt(1000), Currency: "NGN"}}
		settler = &mockSettler{row: SettlementRow{TransactionID: "tx1"}}
		tokenStore = newMockTokenStore()
		scanner = &stubScanner{code: driverPayload}
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)
		session = NewSession("p1", refs, wallets, settler, Options{
			Metrics:     metrics,
			IDGenerator: &mockIDGenerator{},
			TimeSource:  &mockTimeSource{now: fixedNow},
		})

		frames := scanning.NewFrameSource(scanner, scanning.DefaultFPS)
		deps = ServerDeps{
			Capture: NewCapture(frames, func(raw string) {
				session.Process(context.Background(), raw)
			}, metrics),
			Frames:  frames,
			Tokens:  NewTokensWithDeps(tokenStore, newMockStorage(), &mockIDGenerator{}, &mockTimeSource{now: fixedNow}),
			Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		server = NewServerWithMux(session, deps, auth, http.NewServeMux())

		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(".*"), server.Handler().ServeHTTP)
		}
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	do := func(method, path string, body any) (*http.Response, []byte) {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequest(method, ghttpServer.URL()+path, reader)
		Expect(err).NotTo(HaveOccurred())
		if auth.Username != "" {
			req.SetBasicAuth(auth.Username, auth.Password)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp, data
	}

	errorOf := func(data []byte) string {
		var body map[string]string
		Expect(json.Unmarshal(data, &body)).To(Succeed())
		return body["error"]
	}

	postFrame := func() (*http.Response, []byte) {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		part, err := writer.CreateFormFile("frame", "frame.png")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write([]byte("png bytes"))
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(ghttpServer.URL()+"/api/capture/frames", writer.FormDataContentType(), &buf)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp, data
	}

	Describe("GET /api/wallet", func() {
		It("should return the payer's wallet", func() {
			resp, data := do(http.MethodGet, "/api/wallet", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

			var wallet WalletSnapshot
			Expect(json.Unmarshal(data, &wallet)).To(Succeed())
			Expect(wallet.UserID).To(Equal("p1"))
			Expect(wallet.Balance.Equal(decimal.NewFromInt(1000))).To(BeTrue())
		})

		When("the wallet cannot be read", func() {
			BeforeEach(func() {
				wallets.walletErr = errors.New("timeout")
			})

			It("should return Service Unavailable", func() {
				resp, data := do(http.MethodGet, "/api/wallet", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
				Expect(errorOf(data)).To(Equal("wallet unavailable"))
			})
		})
	})

	Describe("POST /api/scans", func() {
		It("should open a confirmation cycle for a driver code", func() {
			resp, data := do(http.MethodPost, "/api/scans", map[string]string{"data": driverPayload})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var view View
			Expect(json.Unmarshal(data, &view)).To(Succeed())
			Expect(view.Open).To(BeTrue())
			Expect(view.Reference.ID()).To(Equal("d1"))
			Expect(view.Intent.TotalAmount.Equal(decimal.NewFromInt(300))).To(BeTrue())
		})

		It("should reject an unrecognized code", func() {
			resp, data := do(http.MethodPost, "/api/scans", map[string]string{"data": "hello"})
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			Expect(errorOf(data)).To(Equal("unrecognized payment code format"))

			resp, data = do(http.MethodGet, "/api/scans", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var history []HistoryEntry
			Expect(json.Unmarshal(data, &history)).To(Succeed())
			Expect(history).To(HaveLen(1))
			Expect(history[0].Scan.Category).To(Equal(CategoryUnknown))
		})

		It("should report an unknown token as not found", func() {
			resp, data := do(http.MethodPost, "/api/scans", map[string]string{"data": `{"driver_id":"d9"}`})
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(errorOf(data)).To(Equal("invalid or inactive token"))
		})

		It("should reject empty input", func() {
			resp, _ := do(http.MethodPost, "/api/scans", map[string]string{"data": ""})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should reject an invalid body", func() {
			req, err := http.NewRequest(http.MethodPost, ghttpServer.URL()+"/api/scans", bytes.NewBufferString("{"))
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("the confirmation cycle", func() {
		JustBeforeEach(func() {
			resp, _ := do(http.MethodPost, "/api/scans", map[string]string{"data": driverPayload})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		})

		It("should change the quantity", func() {
			resp, data := do(http.MethodPut, "/api/session/quantity", map[string]int{"quantity": 3})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var view View
			Expect(json.Unmarshal(data, &view)).To(Succeed())
			Expect(view.Intent.Quantity).To(Equal(3))
			Expect(view.Intent.TotalAmount.Equal(decimal.NewFromInt(900))).To(BeTrue())

			resp, data = do(http.MethodPut, "/api/session/quantity", map[string]int{"delta": -1})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(json.Unmarshal(data, &view)).To(Succeed())
			Expect(view.Intent.Quantity).To(Equal(2))
		})

		It("should refuse an amount for a driver payment", func() {
			resp, data := do(http.MethodPut, "/api/session/amount", map[string]string{"amount": "10"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(errorOf(data)).To(Equal(ErrAmountFixed.Error()))
		})

		It("should settle the payment", func() {
			resp, data := do(http.MethodPost, "/api/session/confirm", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var result SettlementResult
			Expect(json.Unmarshal(data, &result)).To(Succeed())
			Expect(result).To(Equal(SettlementResult{Outcome: OutcomeSuccess, TransactionID: "tx1"}))

			resp, data = do(http.MethodGet, "/api/notices", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var notices []Notice
			Expect(json.Unmarshal(data, &notices)).To(Succeed())
			Expect(notices[0].Message).To(Equal("payment successful"))
		})

		It("should close the cycle when dismissed", func() {
			resp, data := do(http.MethodDelete, "/api/session", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var view View
			Expect(json.Unmarshal(data, &view)).To(Succeed())
			Expect(view.Open).To(BeFalse())

			resp, _ = do(http.MethodPost, "/api/session/confirm", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})

		When("the wallet is frozen", func() {
			BeforeEach(func() {
				wallets.wallet.Frozen = true
			})

			It("should return Forbidden", func() {
				resp, data := do(http.MethodPost, "/api/session/confirm", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
				Expect(errorOf(data)).To(Equal(ErrWalletFrozen.Error()))
				Expect(settler.calls()).To(BeZero())
			})
		})

		When("the settlement is rejected", func() {
			BeforeEach(func() {
				settler.row = SettlementRow{ErrorMessage: "Insufficient balance"}
			})

			It("should return the backend's message", func() {
				resp, data := do(http.MethodPost, "/api/session/confirm", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
				Expect(errorOf(data)).To(Equal("Insufficient balance"))
			})
		})

		When("the settlement call fails", func() {
			BeforeEach(func() {
				settler.err = errors.New("connection reset")
			})

			It("should return Bad Gateway", func() {
				resp, data := do(http.MethodPost, "/api/session/confirm", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				Expect(errorOf(data)).To(Equal("payment failed"))
			})
		})
	})

	Describe("capture", func() {
		It("should open a cycle from a captured frame and stop capturing", func() {
			resp, data := do(http.MethodPost, "/api/capture/start", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(data).To(ContainSubstring(`"state":"capturing"`))

			resp, _ = do(http.MethodPost, "/api/capture/start", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))

			resp, data = postFrame()
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			var body struct {
				State   CaptureState `json:"state"`
				Session View         `json:"session"`
			}
			Expect(json.Unmarshal(data, &body)).To(Succeed())
			Expect(body.State).To(Equal(CaptureIdle))
			Expect(body.Session.Open).To(BeTrue())
			Expect(body.Session.Reference.ID()).To(Equal("d1"))
		})

		It("should keep capturing when a frame has no code", func() {
			scanner.err = scanning.ErrNoCode
			resp, _ := do(http.MethodPost, "/api/capture/start", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			resp, data := postFrame()
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			Expect(data).To(ContainSubstring(`"state":"capturing"`))
			Expect(session.View().Open).To(BeFalse())
		})

		It("should refuse frames when not capturing", func() {
			resp, _ := postFrame()
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})

		It("should stop a running capture", func() {
			do(http.MethodPost, "/api/capture/start", nil)
			resp, data := do(http.MethodPost, "/api/capture/stop", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(data).To(ContainSubstring(`"state":"idle"`))
		})
	})

	Describe("tokens", func() {
		It("should issue, list and export the payer's tokens", func() {
			resp, data := do(http.MethodPost, "/api/tokens", map[string]any{
				"amount":        "120",
				"business_name": "Kiosk",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var token TokenRecord
			Expect(json.Unmarshal(data, &token)).To(Succeed())
			Expect(token.OwnerID).To(Equal("p1"))
			Expect(token.Category).To(Equal(CategoryMerchant))

			resp, data = do(http.MethodGet, "/api/tokens", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var summaries []TokenSummary
			Expect(json.Unmarshal(data, &summaries)).To(Succeed())
			Expect(summaries).To(HaveLen(1))
			Expect(summaries[0].Status).To(Equal(TokenActive))

			resp, data = do(http.MethodGet, "/api/tokens/"+token.ID+"/export", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Disposition")).To(Equal(`attachment; filename="merchant-qr-` + token.ID + `.json"`))
			Expect(string(data)).To(Equal(token.Payload))
		})

		It("should reject a merchant token without an amount", func() {
			resp, data := do(http.MethodPost, "/api/tokens", map[string]any{"business_name": "Kiosk"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(errorOf(data)).To(Equal(ErrInvalidAmount.Error()))
		})

		It("should hide tokens owned by someone else", func() {
			tokenStore.tokens["t9"] = &TokenRecord{ID: "t9", OwnerID: "m9", Active: true}
			resp, data := do(http.MethodPut, "/api/tokens/t9/active", map[string]bool{"active": false})
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(errorOf(data)).To(Equal(ErrNoToken.Error()))
		})
	})

	Describe("GET /api/transactions", func() {
		It("should not be served without a transaction store", func() {
			resp, _ := do(http.MethodGet, "/api/transactions", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /metrics", func() {
		It("should expose the pipeline counters", func() {
			do(http.MethodPost, "/api/scans", map[string]string{"data": driverPayload})
			resp, data := do(http.MethodGet, "/metrics", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(data)).To(ContainSubstring(`fare_wallet_pipeline_scans_total{category="driver"} 1`))
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			resp, _ := do(http.MethodOptions, "/api/session/confirm", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "pass"}
		})

		It("should accept valid credentials", func() {
			resp, _ := do(http.MethodGet, "/api/session", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should reject missing credentials", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/session")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("should reject wrong credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/session", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("user:wrong")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})

	When("no scanner is configured", func() {
		JustBeforeEach(func() {
			server = NewServerWithMux(session, ServerDeps{}, auth, http.NewServeMux())
		})

		It("should report capture as unavailable", func() {
			rec := ghttp.NewUnstartedServer()
			defer rec.Close()
			rec.RouteToHandler(http.MethodPost, regexp.MustCompile(".*"), server.Handler().ServeHTTP)
			rec.Start()

			resp, err := http.Post(rec.URL()+"/api/capture/start", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
		})
	})
})

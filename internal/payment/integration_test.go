package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"regexp"

	"github.com/shopspring/decimal"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/fare-wallet/internal/scanning"
)

var _ = Describe("Integration", func() {
	var (
		db       *BoltDB
		exports  *LocalStorage
		session  *Session
		server   *Server
		ghServer *ghttp.Server
		ctx      context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		tempDir := GinkgoT().TempDir()

		var err error
		db, err = NewBoltDBWithDeps(filepath.Join(tempDir, "test.db"), &mockIDGenerator{}, &mockTimeSource{now: fixedNow})
		Expect(err).NotTo(HaveOccurred())
		exports, err = NewLocalStorage(filepath.Join(tempDir, "exports"))
		Expect(err).NotTo(HaveOccurred())

		Expect(db.ApplySeed(ctx, &Seed{
			Users: []SeedUser{
				{ID: "p1", FullName: "Pat Passenger", Balance: "2000", Currency: "NGN"},
				{ID: "d1", FullName: "Ada Driver", Balance: "500", Currency: "NGN", Service: &SeedService{TicketFee: "350", RouteName: "Route 9", VehicleType: "bus"}},
			},
			Tokens: []SeedToken{
				{ID: "t1", OwnerID: "d1", Category: CategoryDriver, Payload: driverPayload},
			},
		})).To(Succeed())

		session = NewSession("p1", db, db, db, Options{TimeSource: &mockTimeSource{now: fixedNow}})
		frames := scanning.NewFrameSource(&stubScanner{code: driverPayload}, scanning.DefaultFPS)
		server = NewServer(session, ServerDeps{
			Capture: NewCapture(frames, func(raw string) {
				session.Process(context.Background(), raw)
			}, nil),
			Frames:       frames,
			Tokens:       NewTokens(db, exports),
			Transactions: db,
		}, BasicAuth{})

		ghServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
			ghServer.RouteToHandler(method, regexp.MustCompile(".*"), server.Handler().ServeHTTP)
		}
	})

	AfterEach(func() {
		ghServer.Close()
		Expect(db.Close()).To(Succeed())
	})

	send := func(method, path string, body any) (int, []byte) {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequest(method, ghServer.URL()+path, reader)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp.StatusCode, data
	}

	balanceOf := func(userID string) decimal.Decimal {
		wallet, err := db.Wallet(ctx, userID)
		Expect(err).NotTo(HaveOccurred())
		return wallet.Balance
	}

	It("should pay a driver from a captured frame", func() {
		status, _ := send(http.MethodPost, "/api/capture/start", nil)
		Expect(status).To(Equal(http.StatusOK))

		// --- Step 1: the camera sends a frame ---
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		part, err := writer.CreateFormFile("frame", "frame.jpg")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write([]byte("jpeg bytes"))
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(ghServer.URL()+"/api/capture/frames", writer.FormDataContentType(), &buf)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

		view := session.View()
		Expect(view.Open).To(BeTrue())
		Expect(view.Reference.Driver.DriverName).To(Equal("Ada Driver"))
		Expect(view.Reference.Driver.RouteName).To(Equal("Route 9"))

		// --- Step 2: two tickets ---
		status, _ = send(http.MethodPut, "/api/session/quantity", map[string]int{"quantity": 2})
		Expect(status).To(Equal(http.StatusOK))

		// --- Step 3: confirm ---
		status, data := send(http.MethodPost, "/api/session/confirm", nil)
		Expect(status).To(Equal(http.StatusOK))

		var result SettlementResult
		Expect(json.Unmarshal(data, &result)).To(Succeed())
		Expect(result.Outcome).To(Equal(OutcomeSuccess))
		Expect(result.TransactionID).NotTo(BeEmpty())

		Expect(balanceOf("p1").Equal(decimal.NewFromInt(1300))).To(BeTrue())
		Expect(balanceOf("d1").Equal(decimal.NewFromInt(1200))).To(BeTrue())

		status, data = send(http.MethodGet, "/api/transactions", nil)
		Expect(status).To(Equal(http.StatusOK))
		var txns []Transaction
		Expect(json.Unmarshal(data, &txns)).To(Succeed())
		Expect(txns).To(HaveLen(1))
		Expect(txns[0].PayeeID).To(Equal("d1"))
		Expect(txns[0].TokenID).To(Equal("t1"))
		Expect(txns[0].Quantity).To(Equal(2))

		Expect(session.View().Open).To(BeFalse())
		Expect(session.Notices()[0].Message).To(Equal("payment successful"))
	})

	It("should pay a merchant code issued through the API", func() {
		// The payer issues a code, then scans it from a second session
		status, data := send(http.MethodPost, "/api/tokens", map[string]any{
			"amount":        "150",
			"business_name": "Kiosk",
		})
		Expect(status).To(Equal(http.StatusCreated))
		var token TokenRecord
		Expect(json.Unmarshal(data, &token)).To(Succeed())

		customer := NewSession("d1", db, db, db, Options{})
		view, err := customer.Submit(ctx, token.Payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(view.Reference.Merchant.Fixed).To(BeTrue())

		result, err := customer.Confirm(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(OutcomeSuccess))
		Expect(balanceOf("d1").Equal(decimal.NewFromInt(350))).To(BeTrue())
		Expect(balanceOf("p1").Equal(decimal.NewFromInt(2150))).To(BeTrue())
	})

	It("should report a rejection from the settlement procedure", func() {
		status, _ := send(http.MethodPost, "/api/scans", map[string]string{
			"data": `{"type":"merchant_payment","merchant_id":"m1","amount":5000}`,
		})
		Expect(status).To(Equal(http.StatusCreated))

		status, data := send(http.MethodPost, "/api/session/confirm", nil)
		Expect(status).To(Equal(http.StatusUnprocessableEntity))
		Expect(string(data)).To(ContainSubstring("Insufficient balance"))

		Expect(balanceOf("p1").Equal(decimal.NewFromInt(2000))).To(BeTrue())
		Expect(session.View().Open).To(BeTrue())
	})
})

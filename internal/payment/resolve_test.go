package payment

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const driverPayload = `{"type":"driver","driver_id":"d1"}`

var _ = Describe("Resolver", func() {
	var (
		store    *mockReferenceStore
		clock    *mockTimeSource
		resolver *Resolver
		raw      string
		ref      Reference
		err      error
	)

	BeforeEach(func() {
		store = newMockReferenceStore()
		clock = &mockTimeSource{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
		resolver = NewResolver(store, clock)
		raw = driverPayload
	})

	JustBeforeEach(func() {
		ref, err = resolver.Resolve(context.Background(), Classify(Decode(raw)))
	})

	When("the driver token is active", func() {
		BeforeEach(func() {
			store.tokens[driverPayload] = &TokenRecord{
				ID:      "t1",
				OwnerID: "d1",
				Payload: driverPayload,
				Active:  true,
				Owner:   &Profile{ID: "d1", FullName: "Ada Driver"},
				Service: &ServiceProfile{TicketFee: decimal.NewFromInt(300), RouteName: "Route 4", VehicleType: "bus"},
			}
		})

		It("should resolve to the driver with fee and route", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(ref.Category).To(Equal(CategoryDriver))
			Expect(ref.ID()).To(Equal("d1"))
			Expect(ref.Driver.TokenID).To(Equal("t1"))
			Expect(ref.Driver.DriverName).To(Equal("Ada Driver"))
			Expect(ref.Driver.RouteName).To(Equal("Route 4"))
			Expect(ref.Driver.VehicleType).To(Equal("bus"))
			Expect(ref.Driver.Fee.Equal(decimal.NewFromInt(300))).To(BeTrue())
		})

		It("should look the token up by the exact captured text", func() {
			Expect(store.lookups).To(Equal([]string{driverPayload}))
		})
	})

	When("the stored owner differs from the payload's driver", func() {
		BeforeEach(func() {
			store.tokens[driverPayload] = &TokenRecord{ID: "t1", OwnerID: "d7", Payload: driverPayload, Active: true}
		})

		It("should pay the stored owner", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(ref.ID()).To(Equal("d7"))
		})
	})

	When("the driver has no service profile", func() {
		BeforeEach(func() {
			store.tokens[driverPayload] = &TokenRecord{ID: "t1", OwnerID: "d1", Payload: driverPayload, Active: true}
		})

		It("should leave the fee unset", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(ref.Driver.Fee.IsZero()).To(BeTrue())
		})
	})

	When("no token matches", func() {
		It("should return ErrTokenNotFound", func() {
			Expect(err).To(MatchError(ErrTokenNotFound))
		})
	})

	When("the token has expired", func() {
		BeforeEach(func() {
			expired := clock.now.Add(-time.Hour)
			store.tokens[driverPayload] = &TokenRecord{ID: "t1", OwnerID: "d1", Payload: driverPayload, Active: true, ExpiresAt: &expired}
		})

		It("should return ErrTokenNotFound", func() {
			Expect(err).To(MatchError(ErrTokenNotFound))
		})
	})

	When("the lookup fails", func() {
		BeforeEach(func() {
			store.findErr = errors.New("connection refused")
		})

		It("should return ErrServiceUnavailable", func() {
			Expect(err).To(MatchError(ErrServiceUnavailable))
			Expect(UserMessage(err)).To(Equal("service unavailable"))
		})
	})

	When("the scan is a merchant payment", func() {
		BeforeEach(func() {
			raw = `{"type":"merchant_payment","merchant_id":"m1","amount":90,"business_name":"Kiosk"}`
		})

		It("should resolve from the payload without a lookup", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(store.lookups).To(BeEmpty())
			Expect(ref.Category).To(Equal(CategoryMerchant))
			Expect(ref.Merchant.MerchantID).To(Equal("m1"))
			Expect(ref.Merchant.BusinessName).To(Equal("Kiosk"))
			Expect(ref.Merchant.Fixed).To(BeTrue())
		})
	})

	When("the merchant payload has no merchant", func() {
		BeforeEach(func() {
			raw = `{"type":"merchant"}`
		})

		It("should return ErrTokenNotFound", func() {
			Expect(err).To(MatchError(ErrTokenNotFound))
		})
	})

	When("the scan is unknown", func() {
		BeforeEach(func() {
			raw = "not a code"
		})

		It("should return ErrUnrecognized", func() {
			Expect(err).To(MatchError(ErrUnrecognized))
		})
	})
})

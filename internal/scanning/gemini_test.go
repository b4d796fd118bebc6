package scanning

import (
	"github.com/google/generative-ai-go/genai"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("configureModel", func() {
	It("should request a JSON answer at zero temperature", func() {
		model := &genai.GenerativeModel{}
		configureModel(model)

		Expect(model.ResponseMIMEType).To(Equal("application/json"))
		Expect(model.Temperature).NotTo(BeNil())
		Expect(*model.Temperature).To(BeZero())
	})
})

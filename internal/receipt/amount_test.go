package receipt

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ParseAmount", func() {
	DescribeTable("accepts money text",
		func(input, expected string) {
			amount, err := ParseAmount(input)
			Expect(err).NotTo(HaveOccurred())
			Expect(amount.StringFixed(2)).To(Equal(expected))
		},
		Entry("plain decimal", "19.99", "19.99"),
		Entry("integer", "60", "60.00"),
		Entry("dollar sign", "$4.5", "4.50"),
		Entry("euro sign with spaces", "€ 12,30", "12.30"),
		Entry("thousands with comma grouping", "1,234.56", "1234.56"),
		Entry("thousands with dot grouping", "1.234,56", "1234.56"),
		Entry("repeated grouping without decimals", "1,234,567", "1234567.00"),
		Entry("zero with three places", "0.500", "0.50"),
		Entry("mixed separators with three places", "1.234,567", "1234.57"),
		Entry("negative refund", "-5.25", "-5.25"),
		Entry("rounds to cents", "3.14159", "3.14"),
		Entry("explicit plus", "+7", "7.00"),
	)

	DescribeTable("rejects non-numeric text",
		func(input string) {
			_, err := ParseAmount(input)
			Expect(err).To(MatchError(ErrValidation))
		},
		Entry("empty", ""),
		Entry("only a symbol", "$"),
		Entry("words", "twelve"),
		Entry("mixed letters", "12abc"),
		Entry("double sign", "--5"),
		Entry("too large", "99999999999"),
		Entry("lone comma before three digits", "1,234"),
		Entry("lone dot before three digits", "12.345"),
		Entry("three decimal places with a symbol", "$19.999"),
	)
})

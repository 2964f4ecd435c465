package scanning

import "github.com/google/generative-ai-go/genai"

// receiptScanPrompt is the shared prompt used by all LLM providers for scanning receipts
const receiptScanPrompt = `You are analyzing a photo of a receipt or invoice. Carefully read all text in the image and extract the following information:

1. **merchant**: The store, vendor or business name, usually the largest text near the top. Examples: "Walmart", "Blue Bottle Coffee", "Shell".

2. **date**: The transaction or invoice date in ISO 8601 format (YYYY-MM-DD). Common printed formats are MM/DD/YYYY, DD/MM/YYYY or written dates.

3. **amount**: The final total actually paid, labeled "TOTAL", "Amount Due", "Grand Total" or similar. Return only the number (42.75 for $42.75), never a string.

4. **currency**: The three-letter ISO 4217 code of the amount (USD, EUR, GBP, ...). Infer it from the currency symbol or the country on the receipt.

Rules:
- Return only the four fields: merchant, date, amount, currency
- Use null for merchant, date or amount when the value is not readable
- Do not guess values that are not printed on the receipt`

// contractJSONSchema is the structured output contract sent to JSON-schema aware backends
const contractJSONSchema = `{
  "type": "object",
  "properties": {
    "merchant": {"type": ["string", "null"]},
    "date": {"type": ["string", "null"], "description": "YYYY-MM-DD"},
    "amount": {"type": ["number", "null"]},
    "currency": {"type": "string", "description": "ISO 4217 code"}
  },
  "required": ["merchant", "date", "amount", "currency"],
  "additionalProperties": false
}`

// contractSchema is the same contract expressed for Gemini
var contractSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"merchant": {Type: genai.TypeString, Nullable: true},
		"date":     {Type: genai.TypeString, Nullable: true, Description: "YYYY-MM-DD"},
		"amount":   {Type: genai.TypeNumber, Nullable: true},
		"currency": {Type: genai.TypeString, Description: "ISO 4217 code"},
	},
	Required: []string{"merchant", "date", "amount", "currency"},
}

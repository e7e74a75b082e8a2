package event

// Type identifies the type of domain event published on the bus.
type Type string

const (
	TypeInvoiceAdded     Type = "invoice:added"
	TypeInvoiceUpdated   Type = "invoice:updated"
	TypeInvoicePending   Type = "invoice:pending"
	TypeInvoiceOCR       Type = "invoice:ocr"
	TypeInvoiceDescribed Type = "invoice:described"
	TypeInvoiceApproved  Type = "invoice:approved"
	TypeInvoiceBooked    Type = "invoice:booked"
	TypeInvoiceRejected  Type = "invoice:rejected"

	TypeEmailInvoice   Type = "email:invoice"
	TypeStorageInvoice Type = "storage:invoice"

	TypeOCRProcessed      Type = "ocr:processed"
	TypeOCRError          Type = "ocr:error"
	TypeDescribeSuggested Type = "describe:suggested"
	TypeAISuggest         Type = "ai:suggest"

	TypeKSeFPolled Type = "ksef:polled"
	TypeKSeFError  Type = "ksef:error"

	TypeStateChanged      Type = "state:changed"
	TypeConnectionUpdated Type = "connection:updated"
	TypeConnectionError   Type = "connection:error"
)

// ForStatus maps an invoice status string to its lifecycle event type.
func ForStatus(status string) Type {
	return Type("invoice:" + status)
}

// String returns the string representation of the event type.
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants.
func (t Type) IsValid() bool {
	switch t {
	case TypeInvoiceAdded,
		TypeInvoiceUpdated,
		TypeInvoicePending,
		TypeInvoiceOCR,
		TypeInvoiceDescribed,
		TypeInvoiceApproved,
		TypeInvoiceBooked,
		TypeInvoiceRejected,
		TypeEmailInvoice,
		TypeStorageInvoice,
		TypeOCRProcessed,
		TypeOCRError,
		TypeDescribeSuggested,
		TypeAISuggest,
		TypeKSeFPolled,
		TypeKSeFError,
		TypeStateChanged,
		TypeConnectionUpdated,
		TypeConnectionError:
		return true
	default:
		return false
	}
}

package services

import (
	"context"
	"encoding/xml"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
)

const settlementQueueKey = "settlement:disbursements"

// SettlementNotice carries the details of one MEREF-to-SFD credit destined
// for the interbank settlement rail.
type SettlementNotice struct {
	SubsidyRequestID string
	TransactionID    string
	SfdID            string
	SfdName          string
	SfdBankCode      string
	Amount           int64
	Currency         string
}

// SettlementService renders disbursement notices as ISO 20022 messages and
// queues them for the settlement system. Queue delivery is best-effort: the
// funds move in the ledger regardless.
type SettlementService struct {
	redis *redis.Client
}

func NewSettlementService(redisClient *redis.Client) *SettlementService {
	return &SettlementService{redis: redisClient}
}

// EmitDisbursement builds a pacs.008 credit transfer for the notice and
// pushes the XML onto the disbursement queue.
func (ss *SettlementService) EmitDisbursement(ctx context.Context, notice SettlementNotice) error {
	doc, err := ss.CreatePacs008(notice)
	if err != nil {
		return err
	}

	xmlData, err := ss.ConvertToXML(doc)
	if err != nil {
		return err
	}

	if err := ss.redis.LPush(ctx, settlementQueueKey, xmlData).Err(); err != nil {
		return fmt.Errorf("failed to queue settlement notice: %w", err)
	}

	log.Printf("[SETTLEMENT] Queued pacs.008 for subsidy request %s (SFD %s, %d %s)",
		notice.SubsidyRequestID, notice.SfdID, notice.Amount, notice.Currency)
	return nil
}

// AcknowledgeDisbursement builds a pacs.002 status report for a settled
// disbursement and queues it.
func (ss *SettlementService) AcknowledgeDisbursement(ctx context.Context, notice SettlementNotice, status string) error {
	doc, err := ss.CreatePacs002(notice, status)
	if err != nil {
		return err
	}

	xmlData, err := ss.ConvertToXML(doc)
	if err != nil {
		return err
	}

	if err := ss.redis.LPush(ctx, settlementQueueKey, xmlData).Err(); err != nil {
		return fmt.Errorf("failed to queue status report: %w", err)
	}
	return nil
}

// CreatePacs008 creates a pacs.008 FIToFICustomerCreditTransfer message with
// MEREF as debtor and the SFD as creditor.
func (ss *SettlementService) CreatePacs008(notice SettlementNotice) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	if notice.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	msgId := uuid.New().String()
	creDtTm := time.Now()
	settlementDate := time.Now()
	currency := notice.Currency
	if currency == "" {
		currency = "XOF"
	}
	amount := minorUnitsToDecimal(notice.Amount)

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(creDtTm),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(currency),
				Value: amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG", // Clearing
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(notice.TransactionID)}[0],
					EndToEndId: common.Max35Text(notice.SubsidyRequestID),
					TxId:       &[]common.Max35Text{common.Max35Text(notice.TransactionID)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(currency),
					Value: amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier("MEREFMLB")}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text("MEREF")}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(notice.SfdBankCode),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(notice.SfdName)}[0],
				},
			},
		},
	}

	return doc, nil
}

// CreatePacs002 creates a pacs.002 payment status report.
func (ss *SettlementService) CreatePacs002(notice SettlementNotice, status string) (*pacs_v08.FIToFIPaymentStatusReportV08, error) {
	msgId := uuid.New().String()
	creDtTm := time.Now()

	doc := &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(creDtTm),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    &[]common.Max35Text{common.Max35Text(notice.TransactionID)}[0],
				OrgnlEndToEndId: &[]common.Max35Text{common.Max35Text(notice.SubsidyRequestID)}[0],
				OrgnlTxId:       &[]common.Max35Text{common.Max35Text(notice.TransactionID)}[0],
				TxSts:           &[]pacs_v08.ExternalPaymentTransactionStatus1Code{pacs_v08.ExternalPaymentTransactionStatus1Code(status)}[0], // ACCP, RJCT, ACSC
			},
		},
	}

	return doc, nil
}

// ConvertToXML converts an ISO 20022 document to an XML string.
func (ss *SettlementService) ConvertToXML(doc interface{}) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}

// minorUnitsToDecimal renders an int64 minor-unit amount as a major-unit
// decimal. XOF has no minor unit, so values pass through unchanged.
func minorUnitsToDecimal(amount int64) float64 {
	return float64(amount)
}

package domain

import "time"

// Classification is the compliance track a Gift Aid declaration is filed under.
type Classification string

const (
	ClassificationStandard Classification = "STANDARD"
	ClassificationGADS     Classification = "GADS"
	ClassificationPending  Classification = "PENDING"
)

// DeclarationStatus is the claim state of a declaration with the tax authority.
type DeclarationStatus string

const (
	DeclarationPending  DeclarationStatus = "pending"
	DeclarationClaimed  DeclarationStatus = "claimed"
	DeclarationRejected DeclarationStatus = "rejected"
)

// Valid reports whether s is one of the known declaration states.
func (s DeclarationStatus) Valid() bool {
	switch s {
	case DeclarationPending, DeclarationClaimed, DeclarationRejected:
		return true
	}
	return false
}

// GiftAidDonor is the identity and address data a standard claim needs.
type GiftAidDonor struct {
	Title             string `json:"title,omitempty" dynamodbav:"title,omitempty"`
	FirstName         string `json:"firstName" dynamodbav:"firstName" validate:"required"`
	Surname           string `json:"surname" dynamodbav:"surname" validate:"required"`
	HouseNumber       string `json:"houseNumber" dynamodbav:"houseNumber" validate:"required"`
	AddressLine1      string `json:"addressLine1" dynamodbav:"addressLine1" validate:"required"`
	AddressLine2      string `json:"addressLine2,omitempty" dynamodbav:"addressLine2,omitempty"`
	Town              string `json:"town" dynamodbav:"town" validate:"required"`
	Postcode          string `json:"postcode" dynamodbav:"postcode" validate:"required"`
	Email             string `json:"email,omitempty" dynamodbav:"email,omitempty"`
	TaxpayerConfirmed bool   `json:"taxpayerConfirmed" dynamodbav:"taxpayerConfirmed" validate:"eq=true"`
}

// GiftAidDeclaration is linked 1:1 to a Donation; its ID is the donation's ID.
// DonationAmount and GiftAidAmount never change after creation.
type GiftAidDeclaration struct {
	ID              string            `json:"id" dynamodbav:"id"`
	Donor           GiftAidDonor      `json:"donor" dynamodbav:"donor"`
	DeclarationText string            `json:"declarationText" dynamodbav:"declarationText"`
	DeclarationDate time.Time         `json:"declarationDate" dynamodbav:"declarationDate"`
	DonationAmount  int64             `json:"donationAmount" dynamodbav:"donationAmount"`
	GiftAidAmount   int64             `json:"giftAidAmount" dynamodbav:"giftAidAmount"`
	CampaignID      string            `json:"campaignId" dynamodbav:"campaignId"`
	OrganizationID  string            `json:"organizationId" dynamodbav:"organizationId"`
	DonationDate    time.Time         `json:"donationDate" dynamodbav:"donationDate"`
	TaxYear         string            `json:"taxYear" dynamodbav:"taxYear"`
	Status          DeclarationStatus `json:"status" dynamodbav:"status"`
	Classification  Classification    `json:"classification" dynamodbav:"classification"`
	PendingReasons  []string          `json:"pendingReasons" dynamodbav:"pendingReasons"`
	CreatedAt       time.Time         `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt" dynamodbav:"updatedAt"`
}

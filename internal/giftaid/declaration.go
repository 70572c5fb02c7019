package giftaid

import (
	"fmt"
	"time"

	"github.com/punchamoorthee/giftledger/internal/domain"
)

// DeclarationText is the wording the donor agrees to when ticking the Gift Aid box.
const DeclarationText = "I am a UK taxpayer and understand that if I pay less Income Tax and/or " +
	"Capital Gains Tax in the current tax year than the amount of Gift Aid claimed on all my " +
	"donations it is my responsibility to pay any difference."

// NewDeclaration builds the declaration for a gift-aid flagged donation.
func NewDeclaration(d domain.Donation, donor domain.GiftAidDonor, gadsMax int64, now time.Time) domain.GiftAidDeclaration {
	donor = TrimDonor(donor)
	res := Classify(d.Amount, donor, gadsMax)

	donationDate := d.CreatedAt
	if donationDate.IsZero() {
		donationDate = now
	}

	return domain.GiftAidDeclaration{
		ID:              d.ID,
		Donor:           donor,
		DeclarationText: DeclarationText,
		DeclarationDate: now.UTC(),
		DonationAmount:  d.Amount,
		GiftAidAmount:   res.ReclaimAmount,
		CampaignID:      d.CampaignID,
		OrganizationID:  d.OrganizationID,
		DonationDate:    donationDate.UTC(),
		TaxYear:         TaxYear(donationDate),
		Status:          domain.DeclarationPending,
		Classification:  res.Classification,
		PendingReasons:  res.PendingReasons,
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}
}

// Reclassify replaces the donor details and re-derives the classification from scratch.
// Amounts are kept as originally declared.
func Reclassify(decl domain.GiftAidDeclaration, donor domain.GiftAidDonor, gadsMax int64, now time.Time) domain.GiftAidDeclaration {
	donor = TrimDonor(donor)
	res := Classify(decl.DonationAmount, donor, gadsMax)

	decl.Donor = donor
	decl.Classification = res.Classification
	decl.PendingReasons = res.PendingReasons
	decl.UpdatedAt = now.UTC()
	return decl
}

// TaxYear labels the UK tax year containing t, e.g. "2024-25" for 6 Apr 2024 – 5 Apr 2025.
func TaxYear(t time.Time) string {
	t = t.UTC()
	start := t.Year()
	if t.Month() < time.April || (t.Month() == time.April && t.Day() < 6) {
		start--
	}
	return fmt.Sprintf("%d-%02d", start, (start+1)%100)
}

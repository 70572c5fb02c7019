package service

import (
	"strconv"
	"strings"
	"time"

	"github.com/punchamoorthee/giftledger/internal/domain"
)

// Metadata keys carried on processor objects (payment intents, subscriptions, invoices).
const (
	MetaCampaignID        = "campaignId"
	MetaOrganizationID    = "organizationId"
	MetaDonorName         = "donorName"
	MetaDonorEmail        = "donorEmail"
	MetaDonorPhone        = "donorPhone"
	MetaIsAnonymous       = "isAnonymous"
	MetaIsGiftAid         = "isGiftAid"
	MetaIsRecurring       = "isRecurring"
	MetaRecurringInterval = "recurringInterval"
	MetaKioskID           = "kioskId"
	MetaPlatform          = "platform"

	MetaDonorTitle        = "donorTitle"
	MetaDonorFirstName    = "donorFirstName"
	MetaDonorSurname      = "donorSurname"
	MetaDonorLastName     = "donorLastName"
	MetaDonorHouseNumber  = "donorHouseNumber"
	MetaDonorAddressLine1 = "donorAddressLine1"
	MetaDonorAddressLine2 = "donorAddressLine2"
	MetaDonorTown         = "donorTown"
	MetaDonorPostcode     = "donorPostcode"
	MetaTaxpayer          = "isTaxpayer"
)

const statusSucceeded = "succeeded"

// DonationInput is the raw material for one Donation, before defaults are applied.
type DonationInput struct {
	ID             string
	Amount         int64
	Currency       string
	Metadata       map[string]string
	SubscriptionID string
	InvoiceID      string
	IsRecurring    bool
	Interval       string
	CreatedAt      time.Time
}

// Normalize turns input into a fully populated Donation. When the donation is gift-aid
// flagged it also returns the donor details a declaration needs.
func Normalize(in DonationInput, defaultCurrency string, now time.Time) (domain.Donation, *domain.GiftAidDonor) {
	md := in.Metadata
	if md == nil {
		md = map[string]string{}
	}

	d := domain.Donation{
		ID:                strings.TrimSpace(in.ID),
		CampaignID:        strings.TrimSpace(md[MetaCampaignID]),
		OrganizationID:    strings.TrimSpace(md[MetaOrganizationID]),
		Amount:            in.Amount,
		Currency:          strings.ToLower(strings.TrimSpace(in.Currency)),
		DonorEmail:        strings.TrimSpace(md[MetaDonorEmail]),
		DonorPhone:        strings.TrimSpace(md[MetaDonorPhone]),
		IsAnonymous:       parseBool(md[MetaIsAnonymous]),
		IsGiftAid:         parseBool(md[MetaIsGiftAid]),
		IsRecurring:       in.IsRecurring || parseBool(md[MetaIsRecurring]),
		RecurringInterval: strings.TrimSpace(in.Interval),
		SubscriptionID:    in.SubscriptionID,
		InvoiceID:         in.InvoiceID,
		KioskID:           strings.TrimSpace(md[MetaKioskID]),
		Status:            statusSucceeded,
		CreatedAt:         in.CreatedAt.UTC(),
	}

	if d.Currency == "" {
		d.Currency = defaultCurrency
	}
	if d.RecurringInterval == "" && d.IsRecurring {
		d.RecurringInterval = strings.TrimSpace(md[MetaRecurringInterval])
	}
	if in.CreatedAt.IsZero() {
		d.CreatedAt = now.UTC()
	}
	d.Channel = channelFor(md[MetaPlatform], d.KioskID)

	name := strings.TrimSpace(md[MetaDonorName])
	if name == "" {
		name = strings.TrimSpace(strings.Join([]string{md[MetaDonorFirstName], surname(md)}, " "))
	}
	if name == "" || d.IsAnonymous {
		name = domain.AnonymousDonor
	}
	d.DonorName = name
	if d.IsAnonymous {
		d.DonorEmail = ""
		d.DonorPhone = ""
	}

	if !d.IsGiftAid {
		return d, nil
	}
	donor := giftAidDonor(md)
	return d, &donor
}

func giftAidDonor(md map[string]string) domain.GiftAidDonor {
	donor := domain.GiftAidDonor{
		Title:             md[MetaDonorTitle],
		FirstName:         md[MetaDonorFirstName],
		Surname:           surname(md),
		HouseNumber:       md[MetaDonorHouseNumber],
		AddressLine1:      md[MetaDonorAddressLine1],
		AddressLine2:      md[MetaDonorAddressLine2],
		Town:              md[MetaDonorTown],
		Postcode:          md[MetaDonorPostcode],
		Email:             md[MetaDonorEmail],
		TaxpayerConfirmed: parseBool(md[MetaTaxpayer]),
	}
	// Fall back to splitting the display name when the form only captured one field.
	if strings.TrimSpace(donor.FirstName) == "" && strings.TrimSpace(donor.Surname) == "" {
		parts := strings.Fields(md[MetaDonorName])
		if len(parts) >= 2 {
			donor.FirstName = parts[0]
			donor.Surname = strings.Join(parts[1:], " ")
		}
	}
	return donor
}

func surname(md map[string]string) string {
	if s := strings.TrimSpace(md[MetaDonorSurname]); s != "" {
		return s
	}
	return strings.TrimSpace(md[MetaDonorLastName])
}

func channelFor(platform, kioskID string) domain.Channel {
	switch domain.Channel(strings.ToLower(strings.TrimSpace(platform))) {
	case domain.ChannelKiosk:
		return domain.ChannelKiosk
	case domain.ChannelApp:
		return domain.ChannelApp
	case domain.ChannelWeb:
		return domain.ChannelWeb
	}
	if kioskID != "" {
		return domain.ChannelKiosk
	}
	return domain.ChannelWeb
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

// DonorMetadata flattens donor details into the metadata keys Normalize reads.
func DonorMetadata(name, email, phone string, anonymous, giftAid bool, donor *domain.GiftAidDonor) map[string]string {
	md := map[string]string{
		MetaIsAnonymous: strconv.FormatBool(anonymous),
		MetaIsGiftAid:   strconv.FormatBool(giftAid),
	}
	set := func(k, v string) {
		if v = strings.TrimSpace(v); v != "" {
			md[k] = v
		}
	}
	set(MetaDonorName, name)
	set(MetaDonorEmail, email)
	set(MetaDonorPhone, phone)
	if donor != nil {
		set(MetaDonorTitle, donor.Title)
		set(MetaDonorFirstName, donor.FirstName)
		set(MetaDonorSurname, donor.Surname)
		set(MetaDonorHouseNumber, donor.HouseNumber)
		set(MetaDonorAddressLine1, donor.AddressLine1)
		set(MetaDonorAddressLine2, donor.AddressLine2)
		set(MetaDonorTown, donor.Town)
		set(MetaDonorPostcode, donor.Postcode)
		md[MetaTaxpayer] = strconv.FormatBool(donor.TaxpayerConfirmed)
	}
	return md
}

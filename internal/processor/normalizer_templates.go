package processor

// Liquid templates for the built-in email kinds. Bindings are prepared by
// the per-kind builders in normalizer.go with defaults already applied, so
// the templates can assume every variable is present.

const (
	tplBookingConfirmationSubject = `Booking confirmed: {{ class_name }}`
	tplBookingConfirmationBody    = `<html><body>
<p>Hi {{ customer_name }},</p>
<p>Your booking for <strong>{{ class_name }}</strong> at {{ venue_name }} is confirmed.</p>
<p>When: {{ booking_date | datefmt }}</p>
{% if booking_id != "" %}<p>Booking reference: {{ booking_id }}</p>{% endif %}
<p>See you there!</p>
</body></html>`

	tplBookingReminderSubject = `Reminder: {{ class_name }} is coming up`
	tplBookingReminderBody    = `<html><body>
<p>Hi {{ customer_name }},</p>
<p>This is a reminder that <strong>{{ class_name }}</strong> at {{ venue_name }} starts on {{ booking_date | datefmt }}.</p>
<p>See you there!</p>
</body></html>`

	tplPaymentReceiptSubject = `Your receipt from PulseFit`
	tplPaymentReceiptBody    = `<html><body>
<p>Hi {{ customer_name }},</p>
<p>Thanks for your payment of <strong>{{ amount | money: currency }}</strong> for {{ description }}.</p>
<p>Paid on: {{ payment_date | datefmt }}</p>
{% if receipt_id != "" %}<p>Receipt: {{ receipt_id }}</p>{% endif %}
</body></html>`

	tplPaymentFailedSubject = `Payment failed`
	tplPaymentFailedBody    = `<html><body>
<p>Hi {{ customer_name }},</p>
<p>We could not process your payment of <strong>{{ amount | money: currency }}</strong>: {{ reason }}.</p>
<p>Please update your payment method and try again.</p>
</body></html>`

	tplPartnerApprovalSubject = `Your venue has been approved`
	tplPartnerApprovalBody    = `<html><body>
<p>Hi {{ partner_name }},</p>
<p>Great news: <strong>{{ venue_name }}</strong> has been approved and is now live on PulseFit.</p>
</body></html>`

	tplPartnerRejectionSubject = `Update on your venue application`
	tplPartnerRejectionBody    = `<html><body>
<p>Hi {{ partner_name }},</p>
<p>We reviewed <strong>{{ venue_name }}</strong> and unfortunately cannot list it at this time: {{ reason }}.</p>
<p>You are welcome to apply again once the issue is addressed.</p>
</body></html>`

	tplAdminAlertSubject = `[{{ severity | upcase }}] {{ alert_title }}`
	tplAdminAlertBody    = `<html><body>
<p><strong>{{ alert_title }}</strong></p>
<p>{{ message }}</p>
<p>Occurred at: {{ occurred_at | datefmt }}</p>
</body></html>`

	tplVerificationSubject = `Verify your email address`
	tplVerificationBody    = `<html><body>
<p>Hi {{ customer_name }},</p>
{% if verification_url != "" %}<p>Please confirm your email address by clicking the link below:</p>
<p><a href="{{ verification_url }}">Verify my email</a></p>{% endif %}
{% if code != "" %}<p>Your verification code is <strong>{{ code }}</strong>.</p>{% endif %}
{% if verification_url == "" and code == "" %}<p>Please contact support to complete verification.</p>{% endif %}
</body></html>`
)
